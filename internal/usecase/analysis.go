package usecase

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

const (
	mib = 1024 * 1024

	memoryHighPercent     = 85
	memoryCriticalPercent = 95
	pressureGap           = 120 * time.Second

	// AlertContextWindow is how far around an alert related events are searched.
	AlertContextWindow = 5 * time.Minute
	contextMinCPU      = 50
)

// InterfaceUsage summarises one network interface. Rates are in kbit/s.
type InterfaceUsage struct {
	Interface   string  `json:"interface"`
	TotalSentMB float64 `json:"total_sent_mb"`
	TotalRecvMB float64 `json:"total_recv_mb"`
	AvgSentKbps float64 `json:"avg_sent_rate_kbps"`
	AvgRecvKbps float64 `json:"avg_recv_rate_kbps"`
	MaxSentKbps float64 `json:"max_sent_rate_kbps"`
	MaxRecvKbps float64 `json:"max_recv_rate_kbps"`
	TotalErrors uint64  `json:"total_errors"`
}

// NetworkUsage computes per-interface throughput from counter deltas.
// Intervals over which a counter went backwards are ignored.
func NetworkUsage(samples []domain.NetworkSample) []InterfaceUsage {
	byIface := make(map[string][]domain.NetworkSample)
	for _, s := range samples {
		byIface[s.Interface] = append(byIface[s.Interface], s)
	}

	var out []InterfaceUsage
	for iface, ss := range byIface {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].Timestamp.Before(ss[j].Timestamp) })

		var sent, recv []float64
		for i := 1; i < len(ss); i++ {
			dt := ss[i].Timestamp.Sub(ss[i-1].Timestamp).Seconds()
			if dt <= 0 || ss[i].BytesSent < ss[i-1].BytesSent || ss[i].BytesRecv < ss[i-1].BytesRecv {
				continue
			}
			sent = append(sent, float64(ss[i].BytesSent-ss[i-1].BytesSent)/dt)
			recv = append(recv, float64(ss[i].BytesRecv-ss[i-1].BytesRecv)/dt)
		}
		if len(sent) == 0 {
			continue
		}

		u := InterfaceUsage{Interface: iface}
		var maxSent, maxRecv, maxErrIn, maxErrOut uint64
		for _, s := range ss {
			maxSent = max(maxSent, s.BytesSent)
			maxRecv = max(maxRecv, s.BytesRecv)
			maxErrIn = max(maxErrIn, s.ErrorsIn)
			maxErrOut = max(maxErrOut, s.ErrorsOut)
		}
		u.TotalSentMB = float64(maxSent) / mib
		u.TotalRecvMB = float64(maxRecv) / mib
		u.TotalErrors = maxErrIn + maxErrOut
		u.AvgSentKbps = toKbps(mean(sent))
		u.AvgRecvKbps = toKbps(mean(recv))
		u.MaxSentKbps = toKbps(maxOf(sent))
		u.MaxRecvKbps = toKbps(maxOf(recv))
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

func toKbps(bytesPerSec float64) float64 { return bytesPerSec * 8 / 1024 }

// Stats are descriptive statistics of a series. Std is the sample standard
// deviation and P95 uses linear interpolation between closest ranks.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P95  float64 `json:"percentile_95"`
}

// Describe computes Stats for xs. An empty series yields zero Stats.
func Describe(xs []float64) Stats {
	if len(xs) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return Stats{
		Mean: mean(xs),
		Std:  stddev(xs),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		P95:  quantile(sorted, 0.95),
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		m = math.Max(m, x)
	}
	return m
}

// ProcessReport describes how one process behaved over a range.
type ProcessReport struct {
	Name              string      `json:"process_name"`
	Samples           int         `json:"sample_count"`
	CPU               Stats       `json:"cpu_stats"`
	MeanMemoryPercent float64     `json:"mean_memory_percent"`
	MaxMemoryPercent  float64     `json:"max_memory_percent"`
	MeanRSSMB         float64     `json:"mean_rss_mb"`
	MaxRSSMB          float64     `json:"max_rss_mb"`
	Anomalies         []time.Time `json:"anomalies,omitempty"`
}

// ProcessBehavior summarises samples of one process. Anomalies are samples
// whose CPU exceeds the mean by more than two standard deviations.
func ProcessBehavior(name string, samples []domain.ProcessSample) *ProcessReport {
	if len(samples) == 0 {
		return nil
	}
	cpu := make([]float64, len(samples))
	memPct := make([]float64, len(samples))
	rss := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPUPercent
		memPct[i] = s.MemoryPercent
		rss[i] = float64(s.RSS)
	}

	r := &ProcessReport{
		Name:              name,
		Samples:           len(samples),
		CPU:               Describe(cpu),
		MeanMemoryPercent: mean(memPct),
		MaxMemoryPercent:  maxOf(memPct),
		MeanRSSMB:         mean(rss) / mib,
		MaxRSSMB:          maxOf(rss) / mib,
	}
	limit := r.CPU.Mean + 2*r.CPU.Std
	for _, s := range samples {
		if s.CPUPercent > limit {
			r.Anomalies = append(r.Anomalies, s.Timestamp)
		}
	}
	return r
}

// PressurePeriod is a run of high-pressure memory samples.
type PressurePeriod struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	MaxPercent float64   `json:"max_percent"`
}

// MemoryReport summarises memory pressure over a range.
type MemoryReport struct {
	AvgPercent      float64          `json:"average_usage_percent"`
	MaxPercent      float64          `json:"max_usage_percent"`
	HighSamples     int              `json:"high_pressure_samples"`
	CriticalSamples int              `json:"critical_pressure_samples"`
	Total           int              `json:"total_samples"`
	Periods         []PressurePeriod `json:"pressure_periods,omitempty"`
}

// MemoryPressure counts samples above 85% (high) and 95% (critical) and joins
// high samples less than two minutes apart into periods.
func MemoryPressure(samples []domain.MemorySample) *MemoryReport {
	if len(samples) == 0 {
		return nil
	}
	pct := make([]float64, len(samples))
	for i, s := range samples {
		pct[i] = s.Percent
	}
	r := &MemoryReport{
		AvgPercent: mean(pct),
		MaxPercent: maxOf(pct),
		Total:      len(samples),
	}

	var cur *PressurePeriod
	for _, s := range samples {
		if s.Percent > memoryCriticalPercent {
			r.CriticalSamples++
		}
		if s.Percent <= memoryHighPercent {
			continue
		}
		r.HighSamples++
		if cur != nil && s.Timestamp.Sub(cur.End) < pressureGap {
			cur.End = s.Timestamp
			cur.MaxPercent = math.Max(cur.MaxPercent, s.Percent)
			continue
		}
		if cur != nil {
			r.Periods = append(r.Periods, *cur)
		}
		cur = &PressurePeriod{Start: s.Timestamp, End: s.Timestamp, MaxPercent: s.Percent}
	}
	if cur != nil {
		r.Periods = append(r.Periods, *cur)
	}
	return r
}

// BatteryReport summarises discharge behaviour. Drain rates are positive
// percent per hour.
type BatteryReport struct {
	AvgDrainRate  float64     `json:"average_drain_rate"`
	MaxDrainRate  float64     `json:"max_drain_rate"`
	TotalDrain    float64     `json:"total_drain"`
	DurationHours float64     `json:"duration_hours"`
	HighDrainAt   []time.Time `json:"high_drain_timestamps,omitempty"`
	HighDrainRate []float64   `json:"high_drain_rates,omitempty"`
}

// BatteryBehavior computes the drain between consecutive discharging samples.
// It returns nil when no discharge was observed.
func BatteryBehavior(samples []domain.BatterySample) *BatteryReport {
	if len(samples) < 2 {
		return nil
	}
	var (
		rates []float64
		at    []time.Time
	)
	for i := 1; i < len(samples); i++ {
		cur, prev := samples[i], samples[i-1]
		hours := cur.Timestamp.Sub(prev.Timestamp).Hours()
		if hours <= 0 || !strings.EqualFold(cur.Status, "discharging") {
			continue
		}
		rate := (prev.Level - cur.Level) / hours
		if rate <= 0 {
			continue
		}
		rates = append(rates, rate)
		at = append(at, cur.Timestamp)
	}
	if len(rates) == 0 {
		return nil
	}

	first, last := samples[0], samples[len(samples)-1]
	r := &BatteryReport{
		AvgDrainRate:  mean(rates),
		MaxDrainRate:  maxOf(rates),
		TotalDrain:    first.Level - last.Level,
		DurationHours: last.Timestamp.Sub(first.Timestamp).Hours(),
	}
	limit := r.AvgDrainRate + stddev(rates)
	for i, rate := range rates {
		if rate > limit {
			r.HighDrainAt = append(r.HighDrainAt, at[i])
			r.HighDrainRate = append(r.HighDrainRate, rate)
		}
	}
	return r
}

// AlertContext is an alert with the activity recorded around it.
type AlertContext struct {
	Alert      domain.Alert             `json:"alert"`
	AppEvents  []domain.AppEvent        `json:"app_events,omitempty"`
	FileEvents []domain.FilesystemEvent `json:"filesystem_events,omitempty"`
	HighCPU    []domain.ProcessSample   `json:"high_cpu_processes,omitempty"`
}

// AlertContexts finds, for every alert in r, the app events, filesystem
// events and processes above 50% CPU within window of it. Alerts with no
// related activity are omitted.
func (q *QueryEngine) AlertContexts(ctx context.Context, r domain.TimeRange, window time.Duration) ([]AlertContext, error) {
	alerts, err := q.Alerts(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}

	var out []AlertContext
	for _, a := range alerts {
		around := domain.TimeRange{Start: a.Timestamp.Add(-window), End: a.Timestamp.Add(window)}
		c := AlertContext{Alert: a}
		if c.AppEvents, err = q.Apps(ctx, Criteria{Range: around}); err != nil {
			return nil, err
		}
		if c.FileEvents, err = q.Filesystem(ctx, Criteria{Range: around}); err != nil {
			return nil, err
		}
		if c.HighCPU, err = q.Processes(ctx, Criteria{Range: around, MinCPU: contextMinCPU}); err != nil {
			return nil, err
		}
		if len(c.AppEvents) > 0 || len(c.FileEvents) > 0 || len(c.HighCPU) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// NetworkUsage loads network samples in r and summarises them per interface.
func (q *QueryEngine) NetworkUsage(ctx context.Context, r domain.TimeRange) ([]InterfaceUsage, error) {
	samples, err := q.Network(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	return NetworkUsage(samples), nil
}

// ProcessBehavior loads samples of processes whose name contains name.
func (q *QueryEngine) ProcessBehavior(ctx context.Context, name string, r domain.TimeRange) (*ProcessReport, error) {
	samples, err := q.Processes(ctx, Criteria{Range: r, Name: name})
	if err != nil {
		return nil, err
	}
	return ProcessBehavior(name, samples), nil
}

func (q *QueryEngine) MemoryPressure(ctx context.Context, r domain.TimeRange) (*MemoryReport, error) {
	samples, err := q.Memory(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	return MemoryPressure(samples), nil
}

func (q *QueryEngine) BatteryBehavior(ctx context.Context, r domain.TimeRange) (*BatteryReport, error) {
	samples, err := q.Battery(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	return BatteryBehavior(samples), nil
}
