// Package probe runs the periodic collectors, one goroutine per module.
//
// A Runner owns the lifecycle (Stopped, Starting, Running, Stopping) and the
// timing of one Collector. Collectors only know how to gather one cycle of
// samples.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

// Collector gathers samples for one module.
type Collector interface {
	Module() domain.Module

	// Open acquires stream resources (log process, watcher). Called on Start.
	Open(ctx context.Context) error

	// Collect returns the samples of one cycle. now is non-decreasing across
	// calls; samples carrying their own time must not go beyond it.
	Collect(ctx context.Context, now time.Time) ([]domain.Sample, error)

	// Close releases what Open acquired.
	Close() error
}

// Probe is the lifecycle view the orchestrator uses.
type Probe interface {
	Module() domain.Module
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() domain.ProbeStatus
}

// RunnerConfig controls the loop timing of one Runner.
type RunnerConfig struct {
	Interval      time.Duration
	Guard         time.Duration
	StopGrace     time.Duration
	DegradedAfter int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Guard <= 0 {
		c.Guard = time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.StopGrace < 0 {
		c.StopGrace = 0
	}
	return c
}

// Runner drives a Collector on a fixed interval and hands its samples to a
// Submitter.
type Runner struct {
	collector Collector
	sink      domain.Submitter
	cfg       RunnerConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu            sync.Mutex
	state         domain.ProbeState
	degraded      bool
	faulted       bool
	failures      int
	lastErr       string
	lastCollected time.Time
	lastStamp     time.Time
	cycles        uint64
	skipped       uint64
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewRunner creates a stopped Runner. m may be nil.
func NewRunner(c Collector, sink domain.Submitter, cfg RunnerConfig, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		collector: c,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(zap.String("module", string(c.Module()))),
		metrics:   m,
		now:       time.Now,
		state:     domain.ProbeStopped,
	}
}

// Module returns the collector's module.
func (r *Runner) Module() domain.Module {
	return r.collector.Module()
}

// Start opens the collector and starts the loop. Starting a running probe is
// a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != domain.ProbeStopped {
		r.mu.Unlock()
		return nil
	}
	r.state = domain.ProbeStarting
	r.faulted = false
	r.mu.Unlock()

	if err := r.collector.Open(ctx); err != nil {
		r.mu.Lock()
		r.state = domain.ProbeStopped
		r.lastErr = err.Error()
		r.mu.Unlock()
		return fmt.Errorf("failed to open %s probe: %w", r.Module(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.state = domain.ProbeRunning
	r.mu.Unlock()

	go r.loop(loopCtx, done)

	r.logger.Info("probe started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

// Stop cancels the loop and waits up to interval+grace for it to exit. When
// the loop does not exit in time the probe is marked faulted and
// domain.ErrProbeStuck is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == domain.ProbeStopped || r.done == nil {
		r.mu.Unlock()
		return nil
	}
	r.state = domain.ProbeStopping
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()

	timer := time.NewTimer(r.cfg.Interval + r.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.markStuck()
		return fmt.Errorf("%s: %w", r.Module(), domain.ErrProbeStuck)
	case <-ctx.Done():
		r.markStuck()
		return fmt.Errorf("%s: %w", r.Module(), domain.ErrProbeStuck)
	}

	if err := r.collector.Close(); err != nil {
		r.logger.Warn("failed to close probe", zap.Error(err))
	}

	r.mu.Lock()
	r.state = domain.ProbeStopped
	r.done = nil
	r.cancel = nil
	r.mu.Unlock()

	r.logger.Info("probe stopped")
	return nil
}

func (r *Runner) markStuck() {
	r.mu.Lock()
	r.faulted = true
	r.mu.Unlock()
	r.logger.Error("probe did not stop in time",
		zap.Duration("deadline", r.cfg.Interval+r.cfg.StopGrace))
}

// Status reports the current state without side effects.
func (r *Runner) Status() domain.ProbeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.ProbeStatus{
		Module:              r.Module(),
		State:               r.state,
		Degraded:            r.degraded,
		Faulted:             r.faulted,
		ConsecutiveFailures: r.failures,
		LastError:           r.lastErr,
		LastCollected:       r.lastCollected,
		Cycles:              r.cycles,
		SkippedCycles:       r.skipped,
		Interval:            r.cfg.Interval.String(),
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		start := r.now()
		stamp := r.stamp(start)

		samples, err := r.collector.Collect(ctx, stamp)
		if err != nil && ctx.Err() != nil {
			return
		}
		if len(samples) > 0 {
			r.sink.Submit(samples...)
		}
		r.record(stamp, err)

		sleep, skipped := nextSleep(r.cfg.Interval, r.cfg.Guard, r.now().Sub(start))
		if skipped > 0 {
			r.mu.Lock()
			r.skipped += uint64(skipped)
			r.mu.Unlock()
			r.metrics.ProbeSkipped(string(r.Module()), skipped)
			r.logger.Debug("collection overran interval", zap.Int("skipped", skipped))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stamp clamps t so the probe's cycle times never go backwards.
func (r *Runner) stamp(t time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Before(r.lastStamp) {
		t = r.lastStamp
	}
	r.lastStamp = t
	return t
}

func (r *Runner) record(at time.Time, err error) {
	module := string(r.Module())
	r.metrics.ProbeCycle(module, err)

	r.mu.Lock()
	r.cycles++
	if err == nil {
		recovered := r.degraded
		r.failures = 0
		r.degraded = false
		r.lastErr = ""
		r.lastCollected = at
		r.mu.Unlock()
		if recovered {
			r.metrics.SetProbeDegraded(module, false)
			r.logger.Info("probe recovered")
		}
		return
	}

	r.failures++
	r.lastErr = err.Error()
	failures := r.failures
	becameDegraded := !r.degraded && failures >= r.cfg.DegradedAfter
	if becameDegraded {
		r.degraded = true
	}
	r.mu.Unlock()

	r.logger.Warn("collection failed", zap.Int("consecutive_failures", failures), zap.Error(err))
	if becameDegraded {
		r.metrics.SetProbeDegraded(module, true)
		r.logger.Error("probe degraded", zap.Int("consecutive_failures", failures))
	}
}

// nextSleep returns how long to wait before the next cycle and how many cycle
// start times were missed because collection took longer than the interval.
// The wait is never shorter than guard.
func nextSleep(interval, guard, elapsed time.Duration) (time.Duration, int) {
	if elapsed < 0 {
		elapsed = 0
	}
	skipped := 0
	if interval > 0 && elapsed >= interval {
		skipped = int(elapsed / interval)
	}
	sleep := interval - elapsed
	if sleep < guard {
		sleep = guard
	}
	return sleep, skipped
}

// monotonic keeps per-collector sample times within [last, now].
type monotonic struct {
	last time.Time
}

func (m *monotonic) clamp(t, now time.Time) time.Time {
	if t.IsZero() || t.After(now) {
		t = now
	}
	if t.Before(m.last) {
		t = m.last
	}
	m.last = t
	return t
}

var _ Probe = (*Runner)(nil)
