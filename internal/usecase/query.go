package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// Criteria selects records for a query. Fields that do not apply to the
// queried kind are ignored; zero values mean "no restriction".
type Criteria struct {
	Range domain.TimeRange
	Limit int

	// logs
	Level  string
	Tag    string
	Search string

	// network
	Interface string

	// processes
	Name   string
	MinCPU float64

	// filesystem and apps
	EventType string
	Path      string
	Package   string

	// alerts
	Module    string
	Severity  string
	AlertKind string
}

// Filters translates the criteria into store filters for kind.
func (c Criteria) Filters(kind domain.Kind) []domain.Filter {
	var fs []domain.Filter
	add := func(ok bool, f domain.Filter) {
		if ok {
			fs = append(fs, f)
		}
	}
	switch kind {
	case domain.KindLog:
		add(c.Level != "", domain.Eq("level", c.Level))
		add(c.Tag != "", domain.Contains("tag", c.Tag))
		add(c.Search != "", domain.Contains("message", c.Search))
	case domain.KindNetwork:
		add(c.Interface != "", domain.Eq("interface", c.Interface))
	case domain.KindProcess:
		add(c.Name != "", domain.Contains("name", c.Name))
		add(c.MinCPU > 0, domain.Gte("cpu_percent", c.MinCPU))
	case domain.KindFilesystem:
		add(c.EventType != "", domain.Eq("event_type", c.EventType))
		add(c.Path != "", domain.Contains("path", c.Path))
	case domain.KindApp:
		add(c.Package != "", domain.Contains("package_name", c.Package))
		add(c.EventType != "", domain.Eq("event_type", c.EventType))
	case domain.KindAlert:
		add(c.Module != "", domain.Eq("module", c.Module))
		add(c.Severity != "", domain.Eq("severity", c.Severity))
		add(c.AlertKind != "", domain.Eq("kind", c.AlertKind))
	}
	return fs
}

// QueryEngine is the read-only analytical layer over a store. It needs no
// running collector.
type QueryEngine struct {
	store domain.SampleReader
}

func NewQueryEngine(store domain.SampleReader) *QueryEngine {
	return &QueryEngine{store: store}
}

// Select returns records of kind matching c, ascending by timestamp.
func (q *QueryEngine) Select(ctx context.Context, kind domain.Kind, c Criteria) ([]domain.Sample, error) {
	out, err := q.store.Query(ctx, kind, c.Range, c.Limit, c.Filters(kind)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind, err)
	}
	return out, nil
}

func selectAs[T domain.Sample](ctx context.Context, q *QueryEngine, kind domain.Kind, c Criteria) ([]T, error) {
	records, err := q.Select(ctx, kind, c)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, r := range records {
		if v, ok := r.(T); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (q *QueryEngine) Logs(ctx context.Context, c Criteria) ([]domain.LogEntry, error) {
	return selectAs[domain.LogEntry](ctx, q, domain.KindLog, c)
}

func (q *QueryEngine) Network(ctx context.Context, c Criteria) ([]domain.NetworkSample, error) {
	return selectAs[domain.NetworkSample](ctx, q, domain.KindNetwork, c)
}

func (q *QueryEngine) Processes(ctx context.Context, c Criteria) ([]domain.ProcessSample, error) {
	return selectAs[domain.ProcessSample](ctx, q, domain.KindProcess, c)
}

func (q *QueryEngine) Memory(ctx context.Context, c Criteria) ([]domain.MemorySample, error) {
	return selectAs[domain.MemorySample](ctx, q, domain.KindMemory, c)
}

func (q *QueryEngine) Battery(ctx context.Context, c Criteria) ([]domain.BatterySample, error) {
	return selectAs[domain.BatterySample](ctx, q, domain.KindBattery, c)
}

func (q *QueryEngine) Filesystem(ctx context.Context, c Criteria) ([]domain.FilesystemEvent, error) {
	return selectAs[domain.FilesystemEvent](ctx, q, domain.KindFilesystem, c)
}

func (q *QueryEngine) Apps(ctx context.Context, c Criteria) ([]domain.AppEvent, error) {
	return selectAs[domain.AppEvent](ctx, q, domain.KindApp, c)
}

func (q *QueryEngine) Alerts(ctx context.Context, c Criteria) ([]domain.Alert, error) {
	return selectAs[domain.Alert](ctx, q, domain.KindAlert, c)
}

// ProcessCPU is the average CPU of one process name.
type ProcessCPU struct {
	Name    string  `json:"name"`
	AvgCPU  float64 `json:"avg_cpu"`
	Samples int     `json:"samples"`
}

// AppActivity counts events of one package.
type AppActivity struct {
	Package string `json:"package_name"`
	Events  int    `json:"event_count"`
}

// AlertCount counts alerts per module and severity.
type AlertCount struct {
	Module   domain.Module   `json:"module"`
	Severity domain.Severity `json:"severity"`
	Count    int             `json:"count"`
}

// Summary describes the contents of a store.
type Summary struct {
	Tables        []domain.TableStats `json:"tables"`
	Total         int64               `json:"total"`
	Start         time.Time           `json:"start,omitempty"`
	End           time.Time           `json:"end,omitempty"`
	DurationHours float64             `json:"duration_hours"`
	TopCPU        []ProcessCPU        `json:"top_cpu_processes,omitempty"`
	TopApps       []AppActivity       `json:"top_apps,omitempty"`
	Alerts        []AlertCount        `json:"alert_summary,omitempty"`
}

const summaryTop = 10

// Summary reports per-table counts and spans, the overall time range, the
// busiest processes and apps, and alert counts.
func (q *QueryEngine) Summary(ctx context.Context) (*Summary, error) {
	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	s := &Summary{Tables: stats}
	for _, t := range stats {
		s.Total += t.Count
		if t.Count == 0 || t.Kind == domain.KindAlert {
			continue
		}
		if s.Start.IsZero() || t.Oldest.Before(s.Start) {
			s.Start = t.Oldest
		}
		if t.Newest.After(s.End) {
			s.End = t.Newest
		}
	}
	if !s.Start.IsZero() {
		s.DurationHours = s.End.Sub(s.Start).Hours()
	}

	procs, err := q.store.Aggregate(ctx, domain.GroupQuery{
		Kind: domain.KindProcess, Keys: []string{"name"}, Avg: "cpu_percent", Limit: summaryTop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate processes: %w", err)
	}
	for _, g := range procs {
		s.TopCPU = append(s.TopCPU, ProcessCPU{Name: g.Keys[0], AvgCPU: g.Avg, Samples: int(g.Count)})
	}

	apps, err := q.store.Aggregate(ctx, domain.GroupQuery{
		Kind: domain.KindApp, Keys: []string{"package_name"}, Limit: summaryTop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate app events: %w", err)
	}
	for _, g := range apps {
		s.TopApps = append(s.TopApps, AppActivity{Package: g.Keys[0], Events: int(g.Count)})
	}

	alerts, err := q.store.Aggregate(ctx, domain.GroupQuery{
		Kind: domain.KindAlert, Keys: []string{"module", "severity"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	for _, g := range alerts {
		s.Alerts = append(s.Alerts, AlertCount{
			Module:   domain.Module(g.Keys[0]),
			Severity: domain.Severity(g.Keys[1]),
			Count:    int(g.Count),
		})
	}
	return s, nil
}

// Event is one point of a stream being correlated.
type Event struct {
	Time   time.Time     `json:"time"`
	Label  string        `json:"label"`
	Sample domain.Sample `json:"sample"`
}

// EventsOf wraps samples as correlation events.
func EventsOf(samples []domain.Sample) []Event {
	out := make([]Event, len(samples))
	for i, s := range samples {
		out[i] = Event{Time: s.Time(), Label: describe(s), Sample: s}
	}
	return out
}

func describe(s domain.Sample) string {
	switch x := s.(type) {
	case domain.Alert:
		return x.AlertKind + ": " + x.Message
	case domain.ProcessSample:
		return fmt.Sprintf("process %s cpu=%.1f%% mem=%.1f%%", x.Name, x.CPUPercent, x.MemoryPercent)
	case domain.BatterySample:
		return fmt.Sprintf("battery %g%% %s", x.Level, x.Status)
	case domain.MemorySample:
		return fmt.Sprintf("memory %.1f%%", x.Percent)
	case domain.NetworkSample:
		return fmt.Sprintf("network %s %.2f MB/s", x.Interface, x.RateMBps)
	case domain.FilesystemEvent:
		return x.EventType + " " + x.Path
	case domain.AppEvent:
		return x.EventType + " " + x.PackageName
	case domain.LogEntry:
		return x.Level + "/" + x.Tag + ": " + x.Message
	}
	return string(s.Kind())
}

// Pair is one match of a windowed join. Offset is t(B) - t(A).
type Pair struct {
	A      Event         `json:"a"`
	B      Event         `json:"b"`
	Offset time.Duration `json:"offset"`
}

// Correlate returns every pair (a, b) with |t(a) - t(b)| <= window, ordered by
// a then b. The inputs are not modified.
func Correlate(a, b []Event, window time.Duration) []Pair {
	if window < 0 || len(a) == 0 || len(b) == 0 {
		return nil
	}
	as := sortedEvents(a)
	bs := sortedEvents(b)

	var out []Pair
	lo := 0
	for _, ea := range as {
		from := ea.Time.Add(-window)
		for lo < len(bs) && bs[lo].Time.Before(from) {
			lo++
		}
		to := ea.Time.Add(window)
		for j := lo; j < len(bs) && !bs[j].Time.After(to); j++ {
			out = append(out, Pair{A: ea, B: bs[j], Offset: bs[j].Time.Sub(ea.Time)})
		}
	}
	return out
}

func sortedEvents(in []Event) []Event {
	out := append([]Event(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// StreamSpec names one side of a stream correlation.
type StreamSpec struct {
	Kind     domain.Kind
	Criteria Criteria
}

// CorrelateStreams fetches both streams and joins them within window.
func (q *QueryEngine) CorrelateStreams(ctx context.Context, a, b StreamSpec, window time.Duration) ([]Pair, error) {
	left, err := q.Select(ctx, a.Kind, a.Criteria)
	if err != nil {
		return nil, err
	}
	right, err := q.Select(ctx, b.Kind, b.Criteria)
	if err != nil {
		return nil, err
	}
	return Correlate(EventsOf(left), EventsOf(right), window), nil
}

// DrainWindow is the linear battery rate over one window.
type DrainWindow struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	LevelStart  float64   `json:"level_start"`
	LevelEnd    float64   `json:"level_end"`
	RatePerHour float64   `json:"rate_per_hour"`
	Samples     int       `json:"samples"`
}

// BatteryDrain reports (level_end - level_start) / (time_end - time_start) in
// percent per hour for each window of the range. A window of zero covers the
// whole range.
func (q *QueryEngine) BatteryDrain(ctx context.Context, r domain.TimeRange, window time.Duration) ([]DrainWindow, error) {
	samples, err := q.Battery(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	return DrainRates(samples, window), nil
}

// DrainRates buckets ascending samples into windows aligned on the first
// sample. Windows with fewer than two samples or no elapsed time are omitted.
func DrainRates(samples []domain.BatterySample, window time.Duration) []DrainWindow {
	if len(samples) < 2 {
		return nil
	}
	first := samples[0].Timestamp

	var out []DrainWindow
	emit := func(bucket []domain.BatterySample) {
		if len(bucket) < 2 {
			return
		}
		s, e := bucket[0], bucket[len(bucket)-1]
		span := e.Timestamp.Sub(s.Timestamp)
		if span <= 0 {
			return
		}
		out = append(out, DrainWindow{
			Start:       s.Timestamp,
			End:         e.Timestamp,
			LevelStart:  s.Level,
			LevelEnd:    e.Level,
			RatePerHour: (e.Level - s.Level) / span.Hours(),
			Samples:     len(bucket),
		})
	}

	if window <= 0 {
		emit(samples)
		return out
	}

	var bucket []domain.BatterySample
	current := int64(-1)
	for _, s := range samples {
		idx := int64(s.Timestamp.Sub(first) / window)
		if idx != current {
			emit(bucket)
			bucket = bucket[:0:0]
			current = idx
		}
		bucket = append(bucket, s)
	}
	emit(bucket)
	return out
}
