package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

// Dispatcher delivers alerts to the action sinks on one background worker so
// slow sinks never hold up a flush. Delivery failures are logged and counted,
// never retried.
type Dispatcher struct {
	sinks   []domain.ActionSink
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	queue   chan domain.Alert
	done    chan struct{}
	stopped bool
}

// NewDispatcher creates a dispatcher with a queue of size entries.
func NewDispatcher(sinks []domain.ActionSink, size int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		queue:   make(chan domain.Alert, size),
	}
}

// Start runs the worker. Calling Start again is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil || d.stopped {
		return
	}
	d.done = make(chan struct{})
	go d.run(d.done)
}

// Enqueue queues a without blocking. It returns false when the queue is full
// or the dispatcher stopped.
func (d *Dispatcher) Enqueue(a domain.Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.sinks) == 0 {
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.metrics.DispatchDropped()
		d.logger.Warn("alert queue full, dropping", zap.String("kind", a.AlertKind))
		return false
	}
}

func (d *Dispatcher) run(done chan struct{}) {
	defer close(done)
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a domain.Alert) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, a)
		cancel()
		d.metrics.SinkDelivery(sink.Name(), err)
		if err != nil {
			d.logger.Warn("alert delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("kind", a.AlertKind),
				zap.Error(err))
		}
	}
}

// Stop closes the queue and waits for queued alerts to be delivered, or for
// ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	done := d.done
	d.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ AlertEnqueuer = (*Dispatcher)(nil)
