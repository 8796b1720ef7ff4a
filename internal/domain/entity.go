// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"time"
)

// Module identifies a monitored domain. One probe variant exists per module.
type Module string

const (
	ModuleLogcat     Module = "logcat"
	ModuleNetwork    Module = "network"
	ModuleProcess    Module = "process"
	ModuleMemory     Module = "memory"
	ModuleBattery    Module = "battery"
	ModuleFilesystem Module = "filesystem"
	ModuleApps       Module = "apps"
)

// AllModules returns every module in a stable order.
func AllModules() []Module {
	return []Module{
		ModuleLogcat,
		ModuleNetwork,
		ModuleProcess,
		ModuleMemory,
		ModuleBattery,
		ModuleFilesystem,
		ModuleApps,
	}
}

// ParseModule converts a string into a known Module.
func ParseModule(s string) (Module, error) {
	for _, m := range AllModules() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModule, s)
}

// Kind is the record kind of a Sample. Each kind is persisted in its own table.
type Kind string

const (
	KindLog        Kind = "log"
	KindNetwork    Kind = "network"
	KindProcess    Kind = "process"
	KindMemory     Kind = "memory"
	KindBattery    Kind = "battery"
	KindFilesystem Kind = "filesystem"
	KindApp        Kind = "app"
	KindAlert      Kind = "alert"
)

// AllKinds returns every record kind, alerts last.
func AllKinds() []Kind {
	return []Kind{KindLog, KindNetwork, KindProcess, KindMemory, KindBattery, KindFilesystem, KindApp, KindAlert}
}

// ParseKind converts a string into a known Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Sample is an immutable record produced by a probe.
type Sample interface {
	Kind() Kind
	Time() time.Time
}

// LogEntry is one parsed line of the system log stream.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Tag       string    `json:"tag"`
	PID       int       `json:"pid"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw_entry"`
}

func (e LogEntry) Kind() Kind      { return KindLog }
func (e LogEntry) Time() time.Time { return e.Timestamp }

// NetworkSample holds cumulative interface counters.
// RateMBps is the combined send+receive rate since the previous sample of the
// same interface.
type NetworkSample struct {
	Timestamp   time.Time `json:"timestamp"`
	Interface   string    `json:"interface"`
	BytesSent   uint64    `json:"bytes_sent"`
	BytesRecv   uint64    `json:"bytes_recv"`
	PacketsSent uint64    `json:"packets_sent"`
	PacketsRecv uint64    `json:"packets_recv"`
	ErrorsIn    uint64    `json:"errors_in"`
	ErrorsOut   uint64    `json:"errors_out"`
	RateMBps    float64   `json:"rate_mbps"`
}

func (s NetworkSample) Kind() Kind      { return KindNetwork }
func (s NetworkSample) Time() time.Time { return s.Timestamp }

// ProcessSample is the resource usage of one process at one instant.
type ProcessSample struct {
	Timestamp     time.Time `json:"timestamp"`
	PID           int32     `json:"pid"`
	Name          string    `json:"name"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	RSS           uint64    `json:"memory_rss"`
	VMS           uint64    `json:"memory_vms"`
	ThreadCount   int32     `json:"num_threads"`
	Status        string    `json:"status"`
}

func (s ProcessSample) Kind() Kind      { return KindProcess }
func (s ProcessSample) Time() time.Time { return s.Timestamp }

// MemorySample is a system-wide memory snapshot.
type MemorySample struct {
	Timestamp time.Time `json:"timestamp"`
	Total     uint64    `json:"total"`
	Available uint64    `json:"available"`
	Percent   float64   `json:"percent"`
	Used      uint64    `json:"used"`
	Free      uint64    `json:"free"`
	SwapTotal uint64    `json:"swap_total"`
	SwapUsed  uint64    `json:"swap_used"`
	SwapFree  uint64    `json:"swap_free"`
	Cached    uint64    `json:"cached"`
	Buffers   uint64    `json:"buffers"`
}

func (s MemorySample) Kind() Kind      { return KindMemory }
func (s MemorySample) Time() time.Time { return s.Timestamp }

// BatterySample is a battery snapshot. Temperature is in Celsius, Voltage in volts.
type BatterySample struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       float64   `json:"level"`
	Status      string    `json:"status"`
	Temperature float64   `json:"temperature"`
	Voltage     float64   `json:"voltage"`
	Technology  string    `json:"technology"`
	Health      string    `json:"health"`
}

func (s BatterySample) Kind() Kind      { return KindBattery }
func (s BatterySample) Time() time.Time { return s.Timestamp }

// Filesystem event types.
const (
	FileCreated           = "created"
	FileModified          = "modified"
	FileDeleted           = "deleted"
	FilePermissionChanged = "permission_changed"
)

// FilesystemEvent records one observed change under a watched path.
type FilesystemEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	Owner       string    `json:"owner"`
}

func (e FilesystemEvent) Kind() Kind      { return KindFilesystem }
func (e FilesystemEvent) Time() time.Time { return e.Timestamp }

// AppEvent records an application lifecycle transition.
type AppEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	PackageName string    `json:"package_name"`
	EventType   string    `json:"event_type"`
	Component   string    `json:"component"`
	Data        string    `json:"data"`
}

func (e AppEvent) Kind() Kind      { return KindApp }
func (e AppEvent) Time() time.Time { return e.Timestamp }

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Built-in alert kinds.
const (
	AlertHighCPU     = "HIGH_CPU_USAGE"
	AlertHighMemory  = "HIGH_MEMORY_USAGE"
	AlertLowBattery  = "LOW_BATTERY"
	AlertHighNetwork = "HIGH_NETWORK_USAGE"
)

// Alert is a threshold crossing. Created only by the alert engine, never mutated.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Module    Module         `json:"module"`
	Severity  Severity       `json:"severity"`
	AlertKind string         `json:"kind"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (a Alert) Kind() Kind      { return KindAlert }
func (a Alert) Time() time.Time { return a.Timestamp }

// ProbeState is the lifecycle state of a probe.
type ProbeState string

const (
	ProbeStopped  ProbeState = "stopped"
	ProbeStarting ProbeState = "starting"
	ProbeRunning  ProbeState = "running"
	ProbeStopping ProbeState = "stopping"
)

// ProbeStatus is a point-in-time report of one probe.
type ProbeStatus struct {
	Module              Module     `json:"module"`
	State               ProbeState `json:"state"`
	Degraded            bool       `json:"degraded"`
	Faulted             bool       `json:"faulted"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastCollected       time.Time  `json:"last_collected,omitempty"`
	Cycles              uint64     `json:"cycles"`
	SkippedCycles       uint64     `json:"skipped_cycles"`
	Interval            string     `json:"interval"`
}

// CollectorInfo is the registry entry of a running collector process.
// Persisted to a file so status and stop work across processes.
type CollectorInfo struct {
	Version       int           `json:"version"`
	PID           int           `json:"pid"`
	StartedAt     int64         `json:"started_at"`
	LastHeartbeat int64         `json:"last_heartbeat"`
	DBPath        string        `json:"db_path"`
	AppVersion    string        `json:"app_version,omitempty"`
	Mode          string        `json:"mode,omitempty"`
	Probes        []ProbeStatus `json:"probes,omitempty"`
}
