package domain

import "time"

// TimeRange is an inclusive [Start, End] interval. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

// Since returns the range [now-d, now].
func Since(now time.Time, d time.Duration) TimeRange {
	return TimeRange{Start: now.Add(-d), End: now}
}

// FilterOp is a comparison operator in a store filter.
type FilterOp string

const (
	OpEq       FilterOp = "="
	OpNe       FilterOp = "!="
	OpGt       FilterOp = ">"
	OpGte      FilterOp = ">="
	OpLt       FilterOp = "<"
	OpLte      FilterOp = "<="
	OpContains FilterOp = "contains"
)

// Filter restricts a query on one column.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Eq, Contains, Gte and Lt are shorthands for common filters.
func Eq(field string, v any) Filter       { return Filter{Field: field, Op: OpEq, Value: v} }
func Contains(field, substr string) Filter { return Filter{Field: field, Op: OpContains, Value: substr} }
func Gte(field string, v any) Filter      { return Filter{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Filter       { return Filter{Field: field, Op: OpLt, Value: v} }

// GroupQuery aggregates the records of one kind by key columns.
type GroupQuery struct {
	Kind Kind
	Keys []string

	// Avg names a numeric column averaged per group. Groups are ordered by
	// that average, or by count when Avg is empty, descending; ties by keys.
	Avg string

	// Limit caps the number of groups; <= 0 means no limit.
	Limit int
}

// Group is one row of a GroupQuery result.
type Group struct {
	Keys  []string
	Count int64
	Avg   float64
}

// TableBatch is the slice of a flushed batch destined for one table.
type TableBatch struct {
	Kind    Kind
	Records []Sample
}

// TableStats summarises one table.
type TableStats struct {
	Kind   Kind      `json:"kind"`
	Table  string    `json:"table"`
	Count  int64     `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}
