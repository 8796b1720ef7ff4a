package domain

import (
	"context"
	"time"
)

// ProcessManager handles OS process operations on the collector itself.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// Terminate asks a process to exit (SIGTERM).
	Terminate(pid int) error

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// SampleReader is the read side of the store.
type SampleReader interface {
	// Query returns records of kind with Start <= timestamp <= End matching
	// all filters, ascending by timestamp.
	Query(ctx context.Context, kind Kind, r TimeRange, limit int, filters ...Filter) ([]Sample, error)

	// Stats returns count and span per table.
	Stats(ctx context.Context) ([]TableStats, error)

	// Aggregate groups records without loading them.
	Aggregate(ctx context.Context, q GroupQuery) ([]Group, error)
}

// SampleStore is the single owner of the persistent store.
// Implementation: SQLCipher database, one table per Kind.
type SampleStore interface {
	SampleReader

	// InsertBatch inserts records of one kind atomically.
	InsertBatch(ctx context.Context, kind Kind, records []Sample) error

	// InsertBatches inserts several per-kind batches in one transaction.
	InsertBatches(ctx context.Context, batches []TableBatch) error

	// DeleteOlderThan removes records with timestamp < cutoff from every table
	// and reclaims space. Returns deleted rows per kind.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (map[Kind]int64, error)

	// Path returns the database file path.
	Path() string

	// Close releases the database handle.
	Close() error
}

// Submitter accepts samples from probes.
type Submitter interface {
	Submit(samples ...Sample)
}

// ProcessSampler lists running processes with their resource usage.
// Timestamps are left zero; the probe stamps them.
type ProcessSampler interface {
	Processes(ctx context.Context) ([]ProcessSample, error)
}

// MemorySampler reads system memory.
type MemorySampler interface {
	Memory(ctx context.Context) (MemorySample, error)
}

// NetworkSampler reads per-interface counters.
type NetworkSampler interface {
	Interfaces(ctx context.Context) ([]NetworkSample, error)
}

// ConnectionCounter counts open inet connections per process.
type ConnectionCounter interface {
	ConnectionsByPID(ctx context.Context) (map[int32]int, error)
}

// BatterySampler reads battery state.
type BatterySampler interface {
	Battery(ctx context.Context) (BatterySample, error)
}

// LineSource is a streaming source of text lines (e.g. the system log).
// Lines received between two Drain calls are buffered, bounded.
type LineSource interface {
	Open(ctx context.Context) error
	Drain() []string

	// Err reports why the stream ended, nil while it is still running.
	Err() error

	Close() error
}

// FileChangeSource reports filesystem changes since the previous call.
type FileChangeSource interface {
	Open(ctx context.Context) error
	Changes(ctx context.Context) ([]FilesystemEvent, error)
	Close() error
}

// ActionSink delivers an alert somewhere outside the collector.
type ActionSink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver sends the alert. Errors are reported to the caller but never retried.
	Deliver(ctx context.Context, alert Alert) error
}

// CollectorRegistry lets CLI invocations discover a running collector.
// Implementation: JSON file in the output directory.
type CollectorRegistry interface {
	// Register records the running collector.
	Register(info CollectorInfo) error

	// Heartbeat refreshes the liveness timestamp and probe status.
	Heartbeat(probes []ProbeStatus) error

	// Get returns the registered collector, nil if none.
	Get() (*CollectorInfo, error)

	// Clear removes the registration.
	Clear() error

	// GetRegistryPath returns the registry file path.
	GetRegistryPath() string
}

// KeyProvider abstracts the source of the store encryption key.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
