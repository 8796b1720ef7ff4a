package infra

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// errStreamEnded is reported when the producer exits without an error.
var errStreamEnded = errors.New("line stream ended")

// lineRing is a bounded FIFO of lines. When full, the oldest line is dropped.
type lineRing struct {
	mu      sync.Mutex
	buf     []string
	start   int
	n       int
	dropped uint64
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &lineRing{buf: make([]string, capacity)}
}

func (r *lineRing) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == len(r.buf) {
		r.buf[r.start] = line
		r.start = (r.start + 1) % len(r.buf)
		r.dropped++
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = line
	r.n++
}

func (r *lineRing) drain() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return nil
	}
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
		r.buf[(r.start+i)%len(r.buf)] = ""
	}
	r.start, r.n = 0, 0
	return out
}

func (r *lineRing) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// CommandLineSource implements domain.LineSource over the stdout of a
// long-running command such as `logcat -v threadtime`.
type CommandLineSource struct {
	argv   []string
	ring   *lineRing
	logger *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewCommandLineSource creates a source buffering at most capacity lines
// between drains.
func NewCommandLineSource(argv []string, capacity int, logger *zap.Logger) *CommandLineSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandLineSource{argv: argv, ring: newLineRing(capacity), logger: logger}
}

// Open starts the command. Calling Open on a running source is a no-op; on an
// ended source it restarts the command.
func (s *CommandLineSource) Open(ctx context.Context) error {
	if len(s.argv) == 0 {
		return errors.New("empty command")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return nil
		}
	}

	// The command outlives ctx; Close ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, s.argv[0], s.argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to pipe %s: %w", s.argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", s.argv[0], err)
	}

	s.cmd, s.cancel, s.err = cmd, cancel, nil
	s.done = make(chan struct{})
	go s.pump(stdout, cmd, s.done)

	s.logger.Info("line source started",
		zap.Strings("argv", s.argv),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *CommandLineSource) pump(stdout io.Reader, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.ring.push(sc.Text())
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case scanErr != nil:
		s.err = scanErr
	case waitErr != nil:
		s.err = waitErr
	default:
		s.err = errStreamEnded
	}
}

// Drain returns the lines buffered since the previous call, oldest first.
func (s *CommandLineSource) Drain() []string {
	return s.ring.drain()
}

// Dropped returns how many lines were discarded because the buffer was full.
func (s *CommandLineSource) Dropped() uint64 {
	return s.ring.droppedCount()
}

// Err reports why the command ended, nil while it runs.
func (s *CommandLineSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the command and waits for the reader to finish.
func (s *CommandLineSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

var _ domain.LineSource = (*CommandLineSource)(nil)
