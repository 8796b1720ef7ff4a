package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

// scriptedCollector returns results from fn and records every cycle time.
type scriptedCollector struct {
	mu      sync.Mutex
	module  domain.Module
	fn      func(ctx context.Context, cycle int) ([]domain.Sample, error)
	stamps  []time.Time
	opened  int
	closed  int
	openErr error
}

func (c *scriptedCollector) Module() domain.Module { return c.module }

func (c *scriptedCollector) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	return c.openErr
}

func (c *scriptedCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	c.mu.Lock()
	c.stamps = append(c.stamps, now)
	cycle := len(c.stamps)
	c.mu.Unlock()
	if c.fn == nil {
		return []domain.Sample{domain.MemorySample{Timestamp: now}}, nil
	}
	return c.fn(ctx, cycle)
}

func (c *scriptedCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *scriptedCollector) cycleStamps() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.stamps...)
}

type recordingSubmitter struct {
	mu      sync.Mutex
	samples []domain.Sample
}

func (s *recordingSubmitter) Submit(samples ...domain.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

func fastConfig() RunnerConfig {
	return RunnerConfig{
		Interval:      10 * time.Millisecond,
		Guard:         time.Millisecond,
		StopGrace:     200 * time.Millisecond,
		DegradedAfter: 3,
	}
}

func TestNextSleep(t *testing.T) {
	tests := []struct {
		name        string
		interval    time.Duration
		guard       time.Duration
		elapsed     time.Duration
		wantSleep   time.Duration
		wantSkipped int
	}{
		{"fast collection", 5 * time.Second, time.Second, 500 * time.Millisecond, 4500 * time.Millisecond, 0},
		{"near interval sleeps guard", 5 * time.Second, time.Second, 4800 * time.Millisecond, time.Second, 0},
		{"exactly interval", 5 * time.Second, time.Second, 5 * time.Second, time.Second, 1},
		{"overrun by two and a half", 2 * time.Second, time.Second, 5 * time.Second, time.Second, 2},
		{"interval below guard", 100 * time.Millisecond, time.Second, 0, time.Second, 0},
		{"clock stepped back", 5 * time.Second, time.Second, -time.Minute, 5 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleep, skipped := nextSleep(tt.interval, tt.guard, tt.elapsed)
			assert.Equal(t, tt.wantSleep, sleep)
			assert.Equal(t, tt.wantSkipped, skipped)
		})
	}
}

func TestMonotonicClamp(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var m monotonic

	assert.Equal(t, base, m.clamp(time.Time{}, base), "zero takes now")
	assert.Equal(t, base, m.clamp(base.Add(-time.Minute), base.Add(time.Second)), "never before last")
	assert.Equal(t, base.Add(2*time.Second), m.clamp(base.Add(time.Hour), base.Add(2*time.Second)), "never after now")
	assert.Equal(t, base.Add(3*time.Second), m.clamp(base.Add(3*time.Second), base.Add(4*time.Second)))
}

func TestRunner_StartStop(t *testing.T) {
	c := &scriptedCollector{module: domain.ModuleMemory}
	sink := &recordingSubmitter{}
	r := NewRunner(c, sink, fastConfig(), zap.NewNop(), nil)

	assert.Equal(t, domain.ProbeStopped, r.Status().State)
	require.NoError(t, r.Stop(context.Background()), "stopping a stopped probe is a no-op")

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()), "starting twice is a no-op")
	assert.Equal(t, domain.ProbeRunning, r.Status().State)

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	st := r.Status()
	assert.Equal(t, domain.ProbeStopped, st.State)
	assert.GreaterOrEqual(t, st.Cycles, uint64(3))
	assert.False(t, st.LastCollected.IsZero())
	assert.Equal(t, 1, c.opened)
	assert.Equal(t, 1, c.closed)
}

func TestRunner_OpenFailure(t *testing.T) {
	c := &scriptedCollector{module: domain.ModuleLogcat, openErr: errors.New("logcat: not found")}
	r := NewRunner(c, &recordingSubmitter{}, fastConfig(), zap.NewNop(), nil)

	err := r.Start(context.Background())
	assert.ErrorContains(t, err, "logcat: not found")
	assert.Equal(t, domain.ProbeStopped, r.Status().State)
}

func TestRunner_DegradedAndRecovery(t *testing.T) {
	var failing sync.Mutex
	fail := true
	c := &scriptedCollector{
		module: domain.ModuleBattery,
		fn: func(_ context.Context, _ int) ([]domain.Sample, error) {
			failing.Lock()
			defer failing.Unlock()
			if fail {
				return nil, errors.New("permission denied")
			}
			return []domain.Sample{domain.BatterySample{Level: 50}}, nil
		},
	}
	m := metrics.New()
	r := NewRunner(c, &recordingSubmitter{}, fastConfig(), zap.NewNop(), m)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(context.Background())

	require.Eventually(t, func() bool { return r.Status().Degraded }, 2*time.Second, 5*time.Millisecond)
	st := r.Status()
	assert.GreaterOrEqual(t, st.ConsecutiveFailures, 3)
	assert.Equal(t, "permission denied", st.LastError)
	assert.Equal(t, domain.ProbeRunning, st.State, "a degraded probe keeps running")

	failing.Lock()
	fail = false
	failing.Unlock()

	require.Eventually(t, func() bool { return !r.Status().Degraded }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Status().ConsecutiveFailures)
	assert.Empty(t, r.Status().LastError)
}

func TestRunner_TwoFailuresAreNotDegraded(t *testing.T) {
	c := &scriptedCollector{
		module: domain.ModuleMemory,
		fn: func(_ context.Context, cycle int) ([]domain.Sample, error) {
			if cycle%3 != 0 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
	}
	r := NewRunner(c, &recordingSubmitter{}, fastConfig(), zap.NewNop(), nil)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.Status().Cycles >= 9 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.Status().Degraded)
}

func TestRunner_StuckCollector(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	c := &scriptedCollector{
		module: domain.ModuleFilesystem,
		fn: func(context.Context, int) ([]domain.Sample, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil, nil
		},
	}
	cfg := fastConfig()
	cfg.StopGrace = 20 * time.Millisecond
	r := NewRunner(c, &recordingSubmitter{}, cfg, zap.NewNop(), nil)
	require.NoError(t, r.Start(context.Background()))
	<-entered

	start := time.Now()
	err := r.Stop(context.Background())
	assert.ErrorIs(t, err, domain.ErrProbeStuck)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, r.Status().Faulted)

	close(release)
	require.NoError(t, r.Stop(context.Background()), "a later stop succeeds once the loop exits")
	assert.Equal(t, domain.ProbeStopped, r.Status().State)
}

func TestRunner_SkipsOverrunCycles(t *testing.T) {
	c := &scriptedCollector{
		module: domain.ModuleProcess,
		fn: func(context.Context, int) ([]domain.Sample, error) {
			time.Sleep(25 * time.Millisecond)
			return nil, nil
		},
	}
	r := NewRunner(c, &recordingSubmitter{}, fastConfig(), zap.NewNop(), nil)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return r.Status().SkippedCycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	st := r.Status()
	assert.GreaterOrEqual(t, st.SkippedCycles, st.Cycles, "each 25ms cycle misses at least two 10ms slots")
}

func TestRunner_TimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	calls := 0
	// wall clock steps back by a minute every third reading
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		offset := time.Duration(calls) * time.Second
		if calls%3 == 0 {
			offset -= time.Minute
		}
		return base.Add(offset)
	}

	c := &scriptedCollector{module: domain.ModuleMemory}
	r := NewRunner(c, &recordingSubmitter{}, fastConfig(), zap.NewNop(), nil)
	r.now = clock
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return len(c.cycleStamps()) >= 10 }, 2*time.Second, time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))

	stamps := c.cycleStamps()
	for i := 1; i < len(stamps); i++ {
		assert.False(t, stamps[i].Before(stamps[i-1]), "stamp %d went backwards", i)
	}
}
