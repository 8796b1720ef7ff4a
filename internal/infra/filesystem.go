package infra

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

const defaultMaxEntries = 200_000

// fileStat is what the scanner remembers about one path between scans.
type fileStat struct {
	size  int64
	mtime time.Time
	perm  string
	owner string
}

func statOf(info fs.FileInfo) fileStat {
	st := fileStat{
		size:  info.Size(),
		mtime: info.ModTime(),
		perm:  fmt.Sprintf("%03o", info.Mode().Perm()),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.owner = strconv.FormatUint(uint64(sys.Uid), 10)
	}
	return st
}

// ExpandHome expands a leading ~ to home.
func ExpandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		return home
	}
	return path
}

// ScannerOptions configures a SnapshotScanner.
type ScannerOptions struct {
	Paths     []string
	Recursive bool
	// HomeDir expands ~ in Paths. Empty uses the current user's home.
	HomeDir string
	// MaxEntries caps one snapshot; the rest of the tree is ignored.
	MaxEntries int
}

// SnapshotScanner implements domain.FileChangeSource by walking the watched
// paths each call and diffing against the previous walk.
type SnapshotScanner struct {
	paths      []string
	recursive  bool
	maxEntries int
	logger     *zap.Logger

	prev map[string]fileStat
}

// NewSnapshotScanner creates a scanner. Watched paths that don't exist are
// skipped on every scan, so they are picked up once they appear.
func NewSnapshotScanner(opts ScannerOptions, logger *zap.Logger) *SnapshotScanner {
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.MaxEntries
	if limit <= 0 {
		limit = defaultMaxEntries
	}
	paths := make([]string, 0, len(opts.Paths))
	for _, p := range opts.Paths {
		paths = append(paths, ExpandHome(p, home))
	}
	return &SnapshotScanner{
		paths:      paths,
		recursive:  opts.Recursive,
		maxEntries: limit,
		logger:     logger,
	}
}

// Paths returns the expanded watch paths.
func (s *SnapshotScanner) Paths() []string {
	return s.paths
}

// Open takes the baseline snapshot. Nothing present at Open is reported.
func (s *SnapshotScanner) Open(ctx context.Context) error {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	s.prev = snap
	return nil
}

// Changes rescans and reports differences from the previous scan: created,
// then modified, then permission_changed, then deleted, each by path.
// Event timestamps are left zero for the probe to stamp.
func (s *SnapshotScanner) Changes(ctx context.Context) ([]domain.FilesystemEvent, error) {
	cur, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if s.prev == nil {
		s.prev = cur
		return nil, nil
	}

	var created, modified, chmod, deleted []domain.FilesystemEvent
	for path, st := range cur {
		old, ok := s.prev[path]
		ev := domain.FilesystemEvent{Path: path, Size: st.size, Permissions: st.perm, Owner: st.owner}
		switch {
		case !ok:
			ev.EventType = domain.FileCreated
			created = append(created, ev)
		case !old.mtime.Equal(st.mtime) || old.size != st.size:
			ev.EventType = domain.FileModified
			modified = append(modified, ev)
		case old.perm != st.perm || old.owner != st.owner:
			ev.EventType = domain.FilePermissionChanged
			chmod = append(chmod, ev)
		}
	}
	for path := range s.prev {
		if _, ok := cur[path]; !ok {
			deleted = append(deleted, domain.FilesystemEvent{EventType: domain.FileDeleted, Path: path})
		}
	}
	s.prev = cur

	out := make([]domain.FilesystemEvent, 0, len(created)+len(modified)+len(chmod)+len(deleted))
	for _, group := range [][]domain.FilesystemEvent{created, modified, chmod, deleted} {
		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
		out = append(out, group...)
	}
	return out, nil
}

// Close releases the baseline.
func (s *SnapshotScanner) Close() error {
	s.prev = nil
	return nil
}

func (s *SnapshotScanner) snapshot(ctx context.Context) (map[string]fileStat, error) {
	snap := make(map[string]fileStat)
	truncated := false

	for _, root := range s.paths {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			snap[root] = statOf(info)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// unreadable subtree
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if path == root {
				return nil
			}
			if len(snap) >= s.maxEntries {
				truncated = true
				return fs.SkipAll
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			snap[path] = statOf(info)
			if d.IsDir() && !s.recursive {
				return fs.SkipDir
			}
			return nil
		})
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if truncated {
		s.logger.Warn("filesystem snapshot truncated",
			zap.Int("max_entries", s.maxEntries),
			zap.Strings("paths", s.paths))
	}
	return snap, nil
}

var _ domain.FileChangeSource = (*SnapshotScanner)(nil)
