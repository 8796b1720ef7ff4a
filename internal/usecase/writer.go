// Package usecase contains the collector's application logic: batching
// writes, alert evaluation and the read-side query and analysis engine.
package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

// BatchInserter is the part of the store the writer needs.
type BatchInserter interface {
	InsertBatches(ctx context.Context, batches []domain.TableBatch) error
}

// FlushHook runs after every successful flush with the flushed samples in
// submission order.
type FlushHook func(ctx context.Context, flushed []domain.Sample)

// WriterConfig holds the flush triggers.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Writer buffers samples from every probe and writes them in batches.
//
// A flush happens when the queue reaches BatchSize or when the oldest queued
// sample has waited FlushInterval. A failed insert is retried once, then the
// batch is dropped and the loss logged.
type Writer struct {
	store   BatchInserter
	cfg     WriterConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	queue  []domain.Sample
	oldest time.Time
	closed bool

	// flushMu serialises flushes so consecutive batches commit in order.
	flushMu sync.Mutex
	hooks   []FlushHook

	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewWriter creates a Writer. Call Start to run the interval loop.
func NewWriter(store BatchInserter, cfg WriterConfig, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// AddFlushHook registers fn to run after each successful flush. Register
// hooks before Start.
func (w *Writer) AddFlushHook(fn FlushHook) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	w.hooks = append(w.hooks, fn)
}

// Submit queues samples. It never blocks on the store.
func (w *Writer) Submit(samples ...domain.Sample) {
	if len(samples) == 0 {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("writer closed, dropping samples", zap.Int("count", len(samples)))
		for kind, n := range countByKind(samples) {
			w.metrics.SamplesDropped(string(kind), n)
		}
		return
	}
	if len(w.queue) == 0 {
		w.oldest = w.now()
	}
	w.queue = append(w.queue, samples...)
	full := len(w.queue) >= w.cfg.BatchSize
	w.metrics.SetQueueLength(len(w.queue))
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued samples.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Start runs the flush loop until Close.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.closed {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
}

func (w *Writer) loop(stop, done chan struct{}) {
	defer close(done)

	tick := w.cfg.FlushInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-w.kick:
			_ = w.Flush(context.Background())
		case <-ticker.C:
			if w.due() {
				_ = w.Flush(context.Background())
			}
		}
	}
}

func (w *Writer) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0 && w.now().Sub(w.oldest) >= w.cfg.FlushInterval
}

// Flush writes everything queued so far in one transaction. On failure the
// insert is retried once; if that also fails the batch is dropped and the
// error returned.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.oldest = time.Time{}
	w.metrics.SetQueueLength(0)
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	tables := Demux(batch)
	err := w.store.InsertBatches(ctx, tables)
	if err != nil {
		w.logger.Warn("batch insert failed, retrying", zap.Int("count", len(batch)), zap.Error(err))
		err = w.store.InsertBatches(ctx, tables)
	}
	w.metrics.ObserveFlush(time.Since(start), err)

	if err != nil {
		lost := countByKind(batch)
		fields := []zap.Field{zap.Int("count", len(batch)), zap.Error(err)}
		for kind, n := range lost {
			fields = append(fields, zap.Int(string(kind), n))
			w.metrics.SamplesDropped(string(kind), n)
		}
		w.logger.Error("batch dropped after retry", fields...)
		return err
	}

	for _, t := range tables {
		w.metrics.SamplesWritten(string(t.Kind), len(t.Records))
	}
	for _, hook := range w.hooks {
		hook(ctx, batch)
	}
	return nil
}

// Close stops the loop and flushes what is left. Samples submitted afterwards
// are dropped.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	running, stop, done := w.running, w.stop, w.done
	w.running = false
	w.mu.Unlock()

	if running {
		close(stop)
		<-done
	}
	return w.Flush(ctx)
}

// Demux splits a batch into per-kind slices. Kinds appear in order of first
// occurrence and records keep their submission order.
func Demux(batch []domain.Sample) []domain.TableBatch {
	index := make(map[domain.Kind]int)
	var out []domain.TableBatch
	for _, s := range batch {
		k := s.Kind()
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, domain.TableBatch{Kind: k})
		}
		out[i].Records = append(out[i].Records, s)
	}
	return out
}

func countByKind(samples []domain.Sample) map[domain.Kind]int {
	out := make(map[domain.Kind]int)
	for _, s := range samples {
		out[s.Kind()]++
	}
	return out
}

var _ domain.Submitter = (*Writer)(nil)
