// Package metrics exposes collector counters to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation (tests, live mode).
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "actmon"

const (
	// OutcomeSuccess labels a successful delivery or flush.
	OutcomeSuccess = "success"
	// OutcomeError labels a failed one.
	OutcomeError = "error"
)

// Metrics holds the collector's instruments.
type Metrics struct {
	samplesWritten   *prometheus.CounterVec
	samplesDropped   *prometheus.CounterVec
	flushes          *prometheus.CounterVec
	flushSeconds     prometheus.Histogram
	queueLength      prometheus.Gauge
	probeCycles      *prometheus.CounterVec
	probeSkipped     *prometheus.CounterVec
	probeFailures    *prometheus.CounterVec
	probeDegraded    *prometheus.GaugeVec
	alertsRaised     *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
	sinkDeliveries   *prometheus.CounterVec
	dispatchDropped  prometheus.Counter
}

// New creates an unregistered set of instruments.
func New() *Metrics {
	return &Metrics{
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_written_total",
			Help:      "Records committed to the store, by kind.",
		}, []string{"kind"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Records lost after a failed flush retry, by kind.",
		}, []string{"kind"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Writer flushes, by outcome.",
		}, []string{"outcome"}),
		flushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_seconds",
			Help:      "Duration of one writer flush including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writer_queue_length",
			Help:      "Records waiting in the writer queue.",
		}),
		probeCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_cycles_total",
			Help:      "Completed collection cycles, by module.",
		}, []string{"module"}),
		probeSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_skipped_cycles_total",
			Help:      "Cycles skipped because the previous one overran, by module.",
		}, []string{"module"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed collection cycles, by module.",
		}, []string{"module"}),
		probeDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_degraded",
			Help:      "1 while a probe is degraded.",
		}, []string{"module"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised, by kind.",
		}, []string{"kind"}),
		alertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by the cooldown window, by kind.",
		}, []string{"kind"}),
		sinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Alert deliveries, by sink and outcome.",
		}, []string{"sink", "outcome"}),
		dispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Alerts not handed to sinks because the dispatch queue was full.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.samplesWritten, m.samplesDropped, m.flushes, m.flushSeconds, m.queueLength,
		m.probeCycles, m.probeSkipped, m.probeFailures, m.probeDegraded,
		m.alertsRaised, m.alertsSuppressed, m.sinkDeliveries, m.dispatchDropped,
	}
}

// Register attaches the instruments to reg. Collectors already registered are
// skipped.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// SamplesWritten counts n committed records of kind.
func (m *Metrics) SamplesWritten(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.samplesWritten.WithLabelValues(kind).Add(float64(n))
}

// SamplesDropped counts n lost records of kind.
func (m *Metrics) SamplesDropped(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.samplesDropped.WithLabelValues(kind).Add(float64(n))
}

// ObserveFlush records one flush.
func (m *Metrics) ObserveFlush(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.flushes.WithLabelValues(outcome).Inc()
	if d < 0 {
		d = 0
	}
	m.flushSeconds.Observe(d.Seconds())
}

// SetQueueLength publishes the current writer queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// ProbeCycle counts one cycle of module; failed cycles also bump failures.
func (m *Metrics) ProbeCycle(module string, err error) {
	if m == nil {
		return
	}
	m.probeCycles.WithLabelValues(module).Inc()
	if err != nil {
		m.probeFailures.WithLabelValues(module).Inc()
	}
}

// ProbeSkipped counts n skipped cycles of module.
func (m *Metrics) ProbeSkipped(module string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.probeSkipped.WithLabelValues(module).Add(float64(n))
}

// SetProbeDegraded flags module as degraded or healthy.
func (m *Metrics) SetProbeDegraded(module string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.probeDegraded.WithLabelValues(module).Set(v)
}

// AlertRaised counts one alert of kind.
func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(kind).Inc()
}

// AlertSuppressed counts one cooldown suppression of kind.
func (m *Metrics) AlertSuppressed(kind string) {
	if m == nil {
		return
	}
	m.alertsSuppressed.WithLabelValues(kind).Inc()
}

// SinkDelivery records one delivery attempt.
func (m *Metrics) SinkDelivery(sink string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.sinkDeliveries.WithLabelValues(sink, outcome).Inc()
}

// DispatchDropped counts one alert dropped at the dispatch queue.
func (m *Metrics) DispatchDropped() {
	if m == nil {
		return
	}
	m.dispatchDropped.Inc()
}

// Server serves /metrics for a gatherer.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics endpoint on addr.
func NewServer(addr string, g prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens in the background. Listen errors after startup are logged.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics endpoint listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
