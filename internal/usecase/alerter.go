package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

// Rule raises an alert when Field of a sample from Module compares true
// against Threshold.
type Rule struct {
	AlertKind string
	Module    domain.Module
	Field     string
	Op        string
	Threshold float64
	Severity  domain.Severity
}

func (r Rule) matches(v float64) bool {
	switch r.Op {
	case ">":
		return v > r.Threshold
	case ">=":
		return v >= r.Threshold
	case "<":
		return v < r.Threshold
	case "<=":
		return v <= r.Threshold
	}
	return false
}

// BuiltinRules derives the threshold rules from the alert configuration.
func BuiltinRules(cfg config.AlertsConfig) []Rule {
	return []Rule{
		{domain.AlertHighCPU, domain.ModuleProcess, "cpu_percent", ">", cfg.CPUThreshold, domain.SeverityWarning},
		{domain.AlertHighMemory, domain.ModuleProcess, "memory_percent", ">", cfg.MemoryThreshold, domain.SeverityWarning},
		{domain.AlertHighMemory, domain.ModuleMemory, "percent", ">", cfg.MemoryThreshold, domain.SeverityWarning},
		{domain.AlertLowBattery, domain.ModuleBattery, "level", "<", cfg.BatteryThreshold, domain.SeverityWarning},
		{domain.AlertHighNetwork, domain.ModuleNetwork, "rate_mbps", ">", cfg.NetworkThreshold, domain.SeverityWarning},
	}
}

// RulesFromConfig returns the built-in rules followed by the configured ones.
func RulesFromConfig(cfg config.AlertsConfig) ([]Rule, error) {
	rules := BuiltinRules(cfg)
	for i, rc := range cfg.Rules {
		mod, err := domain.ParseModule(rc.Module)
		if err != nil {
			return nil, fmt.Errorf("alerts.rules[%d]: %w", i, err)
		}
		sev := domain.SeverityWarning
		if rc.Severity != "" {
			if sev, err = domain.ParseSeverity(rc.Severity); err != nil {
				return nil, fmt.Errorf("alerts.rules[%d]: %w", i, err)
			}
		}
		if _, ok := numericField(sampleFor(mod), rc.Field); !ok {
			return nil, fmt.Errorf("alerts.rules[%d]: %s has no numeric field %q", i, mod, rc.Field)
		}
		rules = append(rules, Rule{
			AlertKind: rc.Kind,
			Module:    mod,
			Field:     rc.Field,
			Op:        rc.Op,
			Threshold: rc.Threshold,
			Severity:  sev,
		})
	}
	return rules, nil
}

// AlertInserter persists alerts.
type AlertInserter interface {
	InsertBatch(ctx context.Context, kind domain.Kind, records []domain.Sample) error
}

// AlertEnqueuer hands alerts to the action sinks.
type AlertEnqueuer interface {
	Enqueue(a domain.Alert) bool
}

// Alerter evaluates rules against flushed samples. It runs as a writer flush
// hook, so it sees each committed sample exactly once.
type Alerter struct {
	rules      map[domain.Module][]Rule
	store      AlertInserter
	dispatcher AlertEnqueuer
	cooldown   time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time
}

// NewAlerter creates an alert engine. dispatcher may be nil when no sink is
// configured.
func NewAlerter(rules []Rule, store AlertInserter, dispatcher AlertEnqueuer, cooldown time.Duration, logger *zap.Logger, m *metrics.Metrics) *Alerter {
	byModule := make(map[domain.Module][]Rule)
	for _, r := range rules {
		byModule[r.Module] = append(byModule[r.Module], r)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		rules:      byModule,
		store:      store,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		lastFired:  make(map[string]time.Time),
	}
}

// Evaluate returns the alerts raised by samples, one per offending sample
// per rule, minus those suppressed by the cooldown.
func (a *Alerter) Evaluate(samples []domain.Sample) []domain.Alert {
	var out []domain.Alert
	for _, s := range samples {
		mod, ok := ModuleOf(s.Kind())
		if !ok {
			continue
		}
		for _, rule := range a.rules[mod] {
			v, ok := numericField(s, rule.Field)
			if !ok || !rule.matches(v) {
				continue
			}
			at := a.now()
			if at.Before(s.Time()) {
				at = s.Time()
			}
			if a.suppressed(rule, s, at) {
				a.metrics.AlertSuppressed(rule.AlertKind)
				continue
			}
			out = append(out, domain.Alert{
				Timestamp: at,
				Module:    mod,
				Severity:  rule.Severity,
				AlertKind: rule.AlertKind,
				Message:   alertMessage(rule, s, v),
				Payload:   alertPayload(s),
			})
		}
	}
	return out
}

func (a *Alerter) suppressed(rule Rule, s domain.Sample, at time.Time) bool {
	if a.cooldown <= 0 {
		return false
	}
	key := rule.AlertKind + "|" + string(rule.Module) + "|" + subjectOf(s)
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastFired[key]; ok && at.Sub(last) < a.cooldown {
		return true
	}
	a.lastFired[key] = at
	return false
}

// OnFlush is the writer hook: evaluate, persist, dispatch. Failures are
// logged and never reach the writer.
func (a *Alerter) OnFlush(ctx context.Context, flushed []domain.Sample) {
	alerts := a.Evaluate(flushed)
	if len(alerts) == 0 {
		return
	}

	records := make([]domain.Sample, len(alerts))
	for i, al := range alerts {
		records[i] = al
		a.metrics.AlertRaised(al.AlertKind)
		a.logger.Warn("alert",
			zap.String("kind", al.AlertKind),
			zap.String("module", string(al.Module)),
			zap.String("severity", string(al.Severity)),
			zap.String("message", al.Message))
	}
	if err := a.store.InsertBatch(ctx, domain.KindAlert, records); err != nil {
		a.logger.Error("failed to store alerts", zap.Int("count", len(alerts)), zap.Error(err))
	}

	if a.dispatcher == nil {
		return
	}
	for _, al := range alerts {
		a.dispatcher.Enqueue(al)
	}
}

func alertMessage(r Rule, s domain.Sample, v float64) string {
	switch x := s.(type) {
	case domain.ProcessSample:
		if r.Field == "cpu_percent" {
			return fmt.Sprintf("Process %s (PID: %d) using %.1f%% CPU", x.Name, x.PID, v)
		}
		if r.Field == "memory_percent" {
			return fmt.Sprintf("Process %s (PID: %d) using %.1f%% memory", x.Name, x.PID, v)
		}
	case domain.MemorySample:
		if r.Field == "percent" {
			return fmt.Sprintf("System memory usage: %.1f%%", v)
		}
	case domain.BatterySample:
		if r.Field == "level" {
			return fmt.Sprintf("Battery level: %s%%", strconv.FormatFloat(v, 'f', -1, 64))
		}
	case domain.NetworkSample:
		if r.Field == "rate_mbps" {
			return fmt.Sprintf("Network usage on %s: %.2f MB/s", x.Interface, v)
		}
	}
	subject := subjectOf(s)
	if subject != "" {
		subject = " on " + subject
	}
	return fmt.Sprintf("%s %s %s %g%s (value %g)", r.Module, r.Field, r.Op, r.Threshold, subject, v)
}

func alertPayload(s domain.Sample) map[string]any {
	switch x := s.(type) {
	case domain.ProcessSample:
		return map[string]any{
			"pid": x.PID, "name": x.Name, "cpu_percent": x.CPUPercent,
			"memory_percent": x.MemoryPercent, "memory_rss": x.RSS,
			"sample_timestamp": x.Timestamp.Unix(),
		}
	case domain.MemorySample:
		return map[string]any{"percent": x.Percent, "available": x.Available, "total": x.Total}
	case domain.BatterySample:
		return map[string]any{"level": x.Level, "status": x.Status, "temperature": x.Temperature}
	case domain.NetworkSample:
		return map[string]any{"interface": x.Interface, "rate_mbps": x.RateMBps}
	case domain.FilesystemEvent:
		return map[string]any{"path": x.Path, "event_type": x.EventType, "size": x.Size}
	case domain.LogEntry:
		return map[string]any{"tag": x.Tag, "pid": x.PID, "level": x.Level}
	}
	return nil
}

// subjectOf names what a sample is about, for cooldown keys and messages.
func subjectOf(s domain.Sample) string {
	switch x := s.(type) {
	case domain.ProcessSample:
		return x.Name
	case domain.NetworkSample:
		return x.Interface
	case domain.FilesystemEvent:
		return x.Path
	case domain.AppEvent:
		return x.PackageName
	case domain.LogEntry:
		return x.Tag
	}
	return ""
}

// ModuleOf maps a record kind to the module producing it.
func ModuleOf(k domain.Kind) (domain.Module, bool) {
	switch k {
	case domain.KindLog:
		return domain.ModuleLogcat, true
	case domain.KindNetwork:
		return domain.ModuleNetwork, true
	case domain.KindProcess:
		return domain.ModuleProcess, true
	case domain.KindMemory:
		return domain.ModuleMemory, true
	case domain.KindBattery:
		return domain.ModuleBattery, true
	case domain.KindFilesystem:
		return domain.ModuleFilesystem, true
	case domain.KindApp:
		return domain.ModuleApps, true
	}
	return "", false
}

func sampleFor(m domain.Module) domain.Sample {
	switch m {
	case domain.ModuleLogcat:
		return domain.LogEntry{}
	case domain.ModuleNetwork:
		return domain.NetworkSample{}
	case domain.ModuleProcess:
		return domain.ProcessSample{}
	case domain.ModuleMemory:
		return domain.MemorySample{}
	case domain.ModuleBattery:
		return domain.BatterySample{}
	case domain.ModuleFilesystem:
		return domain.FilesystemEvent{}
	}
	return domain.AppEvent{}
}

// numericField reads a numeric column of a sample by its stored name.
func numericField(s domain.Sample, field string) (float64, bool) {
	switch x := s.(type) {
	case domain.ProcessSample:
		switch field {
		case "pid":
			return float64(x.PID), true
		case "cpu_percent":
			return x.CPUPercent, true
		case "memory_percent":
			return x.MemoryPercent, true
		case "memory_rss":
			return float64(x.RSS), true
		case "memory_vms":
			return float64(x.VMS), true
		case "num_threads":
			return float64(x.ThreadCount), true
		}
	case domain.MemorySample:
		switch field {
		case "percent":
			return x.Percent, true
		case "total":
			return float64(x.Total), true
		case "available":
			return float64(x.Available), true
		case "used":
			return float64(x.Used), true
		case "free":
			return float64(x.Free), true
		case "swap_used":
			return float64(x.SwapUsed), true
		case "swap_total":
			return float64(x.SwapTotal), true
		}
	case domain.BatterySample:
		switch field {
		case "level":
			return x.Level, true
		case "temperature":
			return x.Temperature, true
		case "voltage":
			return x.Voltage, true
		}
	case domain.NetworkSample:
		switch field {
		case "rate_mbps":
			return x.RateMBps, true
		case "bytes_sent":
			return float64(x.BytesSent), true
		case "bytes_recv":
			return float64(x.BytesRecv), true
		case "errors_in":
			return float64(x.ErrorsIn), true
		case "errors_out":
			return float64(x.ErrorsOut), true
		}
	case domain.FilesystemEvent:
		if field == "size" {
			return float64(x.Size), true
		}
	case domain.LogEntry:
		if field == "pid" {
			return float64(x.PID), true
		}
	}
	return 0, false
}
