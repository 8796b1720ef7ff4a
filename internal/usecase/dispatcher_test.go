package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

type recordingSink struct {
	name  string
	err   error
	block chan struct{}

	mu   sync.Mutex
	got  []domain.Alert
	ctxs []context.Context
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, a domain.Alert) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	s.ctxs = append(s.ctxs, ctx)
	return s.err
}

func (s *recordingSink) delivered() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.got...)
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	ok := &recordingSink{name: "webhook"}
	bad := &recordingSink{name: "command", err: errors.New("exit status 1")}
	d := NewDispatcher([]domain.ActionSink{bad, ok}, 8, time.Second, zap.NewNop(), m)
	d.Start()

	assert.True(t, d.Enqueue(domain.Alert{AlertKind: domain.AlertLowBattery}))
	assert.True(t, d.Enqueue(domain.Alert{AlertKind: domain.AlertHighCPU}))
	require.NoError(t, d.Stop(context.Background()))

	got := ok.delivered()
	require.Len(t, got, 2, "a failing sink does not stop the others")
	assert.Equal(t, domain.AlertLowBattery, got[0].AlertKind)
	assert.Equal(t, domain.AlertHighCPU, got[1].AlertKind)
	assert.Len(t, bad.delivered(), 2, "failures are not retried")

	expected := `
# HELP actmon_sink_deliveries_total Alert deliveries, by sink and outcome.
# TYPE actmon_sink_deliveries_total counter
actmon_sink_deliveries_total{outcome="error",sink="command"} 2
actmon_sink_deliveries_total{outcome="success",sink="webhook"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "actmon_sink_deliveries_total"))
}

func TestDispatcher_DeliveryTimeout(t *testing.T) {
	slow := &recordingSink{name: "email", block: make(chan struct{})}
	d := NewDispatcher([]domain.ActionSink{slow}, 8, 20*time.Millisecond, zap.NewNop(), nil)
	d.Start()

	d.Enqueue(domain.Alert{AlertKind: "A"})
	d.Enqueue(domain.Alert{AlertKind: "B"})

	start := time.Now()
	require.NoError(t, d.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "each delivery is bounded by the timeout")
	assert.Empty(t, slow.delivered())
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	slow := &recordingSink{name: "webhook", block: make(chan struct{})}
	d := NewDispatcher([]domain.ActionSink{slow}, 1, time.Minute, zap.NewNop(), nil)

	// not started: the queue only holds one
	assert.True(t, d.Enqueue(domain.Alert{AlertKind: "A"}))
	assert.False(t, d.Enqueue(domain.Alert{AlertKind: "B"}))

	close(slow.block)
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	require.Len(t, slow.delivered(), 1)
	assert.Equal(t, "A", slow.delivered()[0].AlertKind)
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	sink := &recordingSink{name: "redis"}
	d := NewDispatcher([]domain.ActionSink{sink}, 4, time.Second, zap.NewNop(), nil)
	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	assert.False(t, d.Enqueue(domain.Alert{AlertKind: "late"}))
}

func TestDispatcher_NoSinks(t *testing.T) {
	d := NewDispatcher(nil, 4, time.Second, zap.NewNop(), nil)
	d.Start()
	assert.False(t, d.Enqueue(domain.Alert{AlertKind: "A"}))
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_StopHonoursContext(t *testing.T) {
	slow := &recordingSink{name: "webhook", block: make(chan struct{})}
	defer close(slow.block)
	d := NewDispatcher([]domain.ActionSink{slow}, 4, time.Minute, zap.NewNop(), nil)
	d.Start()
	d.Enqueue(domain.Alert{AlertKind: "A"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}
