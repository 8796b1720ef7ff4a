package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// KeyMetrics are the headline numbers of a report.
type KeyMetrics struct {
	AvgCPU         float64 `json:"avg_cpu"`
	AvgMemory      float64 `json:"avg_memory"`
	TotalNetworkGB float64 `json:"total_network_gb"`
	BatteryDrain   float64 `json:"battery_drain"`
}

// Issue types.
const (
	IssueHighCPU        = "high_cpu"
	IssueMemoryPressure = "memory_pressure"
	IssueAlert          = "alert"
)

// Issue is one problem worth the reader's attention.
type Issue struct {
	Type        string        `json:"type"`
	Severity    string        `json:"severity"`
	Occurrences int           `json:"occurrences"`
	Process     string        `json:"process,omitempty"`
	AvgCPU      float64       `json:"avg_cpu,omitempty"`
	Module      domain.Module `json:"module,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// Report is the executive summary of a period.
type Report struct {
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	DurationHours   float64    `json:"duration_hours"`
	HealthScore     float64    `json:"health_score"`
	Metrics         KeyMetrics `json:"metrics"`
	TopIssues       []Issue    `json:"top_issues"`
	Recommendations []string   `json:"recommendations"`
}

const (
	issueCPUPercent = 50
	issueTop        = 5
)

// Report builds the executive summary of [start, end].
func (q *QueryEngine) Report(ctx context.Context, start, end time.Time) (*Report, error) {
	r := domain.TimeRange{Start: start, End: end}
	procs, err := q.Processes(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	mem, err := q.Memory(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	net, err := q.Network(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	bat, err := q.Battery(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	alerts, err := q.Alerts(ctx, Criteria{Range: r})
	if err != nil {
		return nil, err
	}
	return BuildReport(start, end, ReportInput{
		Processes: procs,
		Memory:    mem,
		Network:   net,
		Battery:   bat,
		Alerts:    alerts,
	}), nil
}

// ReportInput is the data a report is computed from.
type ReportInput struct {
	Processes []domain.ProcessSample
	Memory    []domain.MemorySample
	Network   []domain.NetworkSample
	Battery   []domain.BatterySample
	Alerts    []domain.Alert
}

// BuildReport computes the report for the period from in.
func BuildReport(start, end time.Time, in ReportInput) *Report {
	rep := &Report{
		Start:         start,
		End:           end,
		DurationHours: end.Sub(start).Hours(),
	}
	rep.HealthScore = healthScore(rep.DurationHours, in)
	rep.Metrics = keyMetrics(in)
	rep.TopIssues = topIssues(in)
	rep.Recommendations = recommendations(rep)
	return rep
}

// healthScore averages a CPU score, a memory score and an alert-rate score,
// each clamped to [0, 100].
func healthScore(hours float64, in ReportInput) float64 {
	var scores []float64

	if len(in.Processes) > 0 {
		// total CPU per collection instant
		perCycle := make(map[int64]float64)
		for _, p := range in.Processes {
			perCycle[p.Timestamp.Unix()] += p.CPUPercent
		}
		totals := make([]float64, 0, len(perCycle))
		for _, v := range perCycle {
			totals = append(totals, v)
		}
		scores = append(scores, max(0, 100-mean(totals)))
	}

	if len(in.Memory) > 0 {
		pct := make([]float64, len(in.Memory))
		for i, m := range in.Memory {
			pct[i] = m.Percent
		}
		scores = append(scores, max(0, 100-mean(pct)))
	}

	serious := 0
	for _, a := range in.Alerts {
		if a.Severity != domain.SeverityInfo {
			serious++
		}
	}
	perHour := 0.0
	if hours > 0 {
		perHour = float64(serious) / hours
	}
	scores = append(scores, max(0, 100-perHour*10))

	return mean(scores)
}

func keyMetrics(in ReportInput) KeyMetrics {
	var km KeyMetrics

	if len(in.Processes) > 0 {
		cpu := make([]float64, len(in.Processes))
		for i, p := range in.Processes {
			cpu[i] = p.CPUPercent
		}
		km.AvgCPU = mean(cpu)
	}
	if len(in.Memory) > 0 {
		pct := make([]float64, len(in.Memory))
		for i, m := range in.Memory {
			pct[i] = m.Percent
		}
		km.AvgMemory = mean(pct)
	}

	type span struct{ minSent, maxSent, minRecv, maxRecv uint64 }
	spans := make(map[string]*span)
	for _, n := range in.Network {
		s, ok := spans[n.Interface]
		if !ok {
			spans[n.Interface] = &span{n.BytesSent, n.BytesSent, n.BytesRecv, n.BytesRecv}
			continue
		}
		s.minSent, s.maxSent = min(s.minSent, n.BytesSent), max(s.maxSent, n.BytesSent)
		s.minRecv, s.maxRecv = min(s.minRecv, n.BytesRecv), max(s.maxRecv, n.BytesRecv)
	}
	var bytes uint64
	for _, s := range spans {
		bytes += (s.maxSent - s.minSent) + (s.maxRecv - s.minRecv)
	}
	km.TotalNetworkGB = float64(bytes) / (1 << 30)

	var lo, hi float64
	seen := false
	for _, b := range in.Battery {
		if !strings.EqualFold(b.Status, "discharging") {
			continue
		}
		if !seen {
			lo, hi, seen = b.Level, b.Level, true
			continue
		}
		lo, hi = min(lo, b.Level), max(hi, b.Level)
	}
	km.BatteryDrain = hi - lo
	return km
}

func topIssues(in ReportInput) []Issue {
	var issues []Issue

	type agg struct {
		count int
		cpu   float64
	}
	hot := make(map[string]*agg)
	for _, p := range in.Processes {
		if p.CPUPercent <= issueCPUPercent {
			continue
		}
		a, ok := hot[p.Name]
		if !ok {
			a = &agg{}
			hot[p.Name] = a
		}
		a.count++
		a.cpu += p.CPUPercent
	}
	var cpuIssues []Issue
	for name, a := range hot {
		avg := a.cpu / float64(a.count)
		sev := "medium"
		if avg > 80 {
			sev = "high"
		}
		cpuIssues = append(cpuIssues, Issue{Type: IssueHighCPU, Severity: sev, Occurrences: a.count, Process: name, AvgCPU: avg})
	}
	sort.Slice(cpuIssues, func(i, j int) bool {
		if cpuIssues[i].Occurrences != cpuIssues[j].Occurrences {
			return cpuIssues[i].Occurrences > cpuIssues[j].Occurrences
		}
		return cpuIssues[i].Process < cpuIssues[j].Process
	})
	if len(cpuIssues) > issueTop {
		cpuIssues = cpuIssues[:issueTop]
	}
	issues = append(issues, cpuIssues...)

	pressure := 0
	for _, m := range in.Memory {
		if m.Percent > memoryHighPercent {
			pressure++
		}
	}
	if pressure > 0 {
		issues = append(issues, Issue{Type: IssueMemoryPressure, Severity: "high", Occurrences: pressure})
	}

	type alertKey struct {
		module  domain.Module
		message string
	}
	counts := make(map[alertKey]int)
	for _, a := range in.Alerts {
		if a.Severity == domain.SeverityError || a.Severity == domain.SeverityCritical {
			counts[alertKey{a.Module, a.Message}]++
		}
	}
	var alertIssues []Issue
	for k, c := range counts {
		alertIssues = append(alertIssues, Issue{Type: IssueAlert, Severity: "high", Occurrences: c, Module: k.module, Message: k.message})
	}
	sort.Slice(alertIssues, func(i, j int) bool {
		if alertIssues[i].Occurrences != alertIssues[j].Occurrences {
			return alertIssues[i].Occurrences > alertIssues[j].Occurrences
		}
		return alertIssues[i].Message < alertIssues[j].Message
	})
	if len(alertIssues) > issueTop {
		alertIssues = alertIssues[:issueTop]
	}
	return append(issues, alertIssues...)
}

func recommendations(r *Report) []string {
	var out []string
	switch {
	case r.HealthScore < 50:
		out = append(out, "System health is poor. Consider investigating resource usage and optimizing applications.")
	case r.HealthScore < 70:
		out = append(out, "System health could be improved. Monitor resource-intensive applications.")
	}

	m := r.Metrics
	if m.AvgCPU > 70 {
		out = append(out, fmt.Sprintf("High average CPU usage (%.1f%%). Consider closing unnecessary applications or upgrading hardware.", m.AvgCPU))
	}
	if m.AvgMemory > 80 {
		out = append(out, fmt.Sprintf("High memory usage (%.1f%%). Clear cache, close apps, or increase available RAM.", m.AvgMemory))
	}
	if m.BatteryDrain > 30 {
		out = append(out, fmt.Sprintf("Significant battery drain (%g%%). Check for power-hungry apps and optimize battery settings.", m.BatteryDrain))
	}

	for _, issue := range r.TopIssues {
		if issue.Type == IssueHighCPU && issue.Severity == "high" {
			out = append(out, fmt.Sprintf("Process '%s' frequently uses high CPU. Consider limiting its usage or finding alternatives.", issue.Process))
		}
	}
	return out
}
