package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Twice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "already registered collectors are skipped")
}

func TestRegister_Conflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "samples_written_total",
		Help:      "different type, same name",
	})))

	assert.Error(t, New().Register(reg))
}

func TestCounters(t *testing.T) {
	m := New()

	m.SamplesWritten("process", 20)
	m.SamplesWritten("process", 5)
	m.SamplesDropped("log", 3)
	m.SamplesDropped("log", 0)
	m.ProbeCycle("battery", nil)
	m.ProbeCycle("battery", errors.New("dumpsys missing"))
	m.ProbeSkipped("battery", 2)
	m.SetProbeDegraded("battery", true)
	m.AlertRaised("LOW_BATTERY")
	m.AlertSuppressed("LOW_BATTERY")
	m.SinkDelivery("webhook", nil)
	m.SinkDelivery("webhook", errors.New("502"))
	m.DispatchDropped()
	m.SetQueueLength(7)

	if got := testutil.ToFloat64(m.samplesWritten.WithLabelValues("process")); got != 25 {
		t.Fatalf("expected 25 written process samples, got %f", got)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.samplesDropped.WithLabelValues("log")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.probeCycles.WithLabelValues("battery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeFailures.WithLabelValues("battery")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.probeSkipped.WithLabelValues("battery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probeDegraded.WithLabelValues("battery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsRaised.WithLabelValues("LOW_BATTERY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsSuppressed.WithLabelValues("LOW_BATTERY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkDeliveries.WithLabelValues("webhook", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkDeliveries.WithLabelValues("webhook", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueLength))

	m.SetProbeDegraded("battery", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.probeDegraded.WithLabelValues("battery")))
}

func TestObserveFlush(t *testing.T) {
	m := New()
	m.ObserveFlush(20*time.Millisecond, nil)
	m.ObserveFlush(-time.Second, errors.New("locked"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues(OutcomeError)))
	if samples := testutil.CollectAndCount(m.flushSeconds); samples != 1 {
		t.Fatalf("expected one histogram series, got %d", samples)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SamplesWritten("x", 1)
		m.SamplesDropped("x", 1)
		m.ObserveFlush(time.Second, nil)
		m.SetQueueLength(1)
		m.ProbeCycle("x", nil)
		m.ProbeSkipped("x", 1)
		m.SetProbeDegraded("x", true)
		m.AlertRaised("x")
		m.AlertSuppressed("x")
		m.SinkDelivery("x", nil)
		m.DispatchDropped()
	})
}
