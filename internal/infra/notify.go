package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// NotifySource implements domain.FileChangeSource with inotify. Events are
// buffered (bounded) between Changes calls; the oldest are dropped first.
type NotifySource struct {
	paths     []string
	recursive bool
	capacity  int
	logger    *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending []domain.FilesystemEvent
	dropped uint64
	lastErr error
	done    chan struct{}
}

// NewNotifySource creates a realtime source. capacity bounds the events held
// between two Changes calls.
func NewNotifySource(opts ScannerOptions, capacity int, logger *zap.Logger) *NotifySource {
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 1000
	}
	paths := make([]string, 0, len(opts.Paths))
	for _, p := range opts.Paths {
		paths = append(paths, ExpandHome(p, home))
	}
	return &NotifySource{paths: paths, recursive: opts.Recursive, capacity: capacity, logger: logger}
}

// Open creates the watcher and registers every existing watch path.
func (n *NotifySource) Open(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	added := 0
	for _, p := range n.paths {
		if err := n.addTree(w, p); err != nil {
			n.logger.Warn("cannot watch path", zap.String("path", p), zap.Error(err))
			continue
		}
		added++
	}
	if added == 0 && len(n.paths) > 0 {
		w.Close()
		return errors.New("none of the watch paths could be watched")
	}

	n.mu.Lock()
	n.watcher = w
	n.done = make(chan struct{})
	n.mu.Unlock()

	go n.loop(context.WithoutCancel(ctx), w, n.done)
	return nil
}

func (n *NotifySource) addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() || !n.recursive {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				n.logger.Debug("skip unwatchable directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

func (n *NotifySource) loop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			n.handle(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			n.mu.Lock()
			n.lastErr = err
			n.mu.Unlock()
		}
	}
}

func (n *NotifySource) handle(w *fsnotify.Watcher, ev fsnotify.Event) {
	out := domain.FilesystemEvent{Path: ev.Name}
	switch {
	case ev.Has(fsnotify.Create):
		out.EventType = domain.FileCreated
	case ev.Has(fsnotify.Write):
		out.EventType = domain.FileModified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		out.EventType = domain.FileDeleted
	case ev.Has(fsnotify.Chmod):
		out.EventType = domain.FilePermissionChanged
	default:
		return
	}

	if out.EventType != domain.FileDeleted {
		if info, err := os.Stat(ev.Name); err == nil {
			st := statOf(info)
			out.Size, out.Permissions, out.Owner = st.size, st.perm, st.owner
			if out.EventType == domain.FileCreated && info.IsDir() && n.recursive {
				_ = n.addTree(w, ev.Name)
			}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) >= n.capacity {
		n.pending = n.pending[1:]
		n.dropped++
	}
	n.pending = append(n.pending, out)
}

// Changes returns events received since the previous call in arrival order.
// A watcher error since the previous call is returned alongside the events.
func (n *NotifySource) Changes(ctx context.Context) ([]domain.FilesystemEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := n.pending
	n.pending = nil
	err := n.lastErr
	n.lastErr = nil
	return events, err
}

// Dropped returns how many events were discarded because the buffer was full.
func (n *NotifySource) Dropped() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close stops the watcher.
func (n *NotifySource) Close() error {
	n.mu.Lock()
	w, done := n.watcher, n.done
	n.watcher = nil
	n.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

var _ domain.FileChangeSource = (*NotifySource)(nil)
