package infra

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// schemaVersion is stored in the meta table. Bump when a column is added and
// list the column in the table spec; OpenStore adds missing columns to older
// databases.
const schemaVersion = 2

type column struct {
	name    string
	sqlType string // INTEGER, REAL or TEXT
}

// tableSpec maps one record kind to its table.
type tableSpec struct {
	kind    domain.Kind
	table   string
	columns []column
	values  func(domain.Sample) []any
	scan    func(r scanner) (domain.Sample, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (t tableSpec) hasColumn(name string) bool {
	if name == "timestamp" || name == "id" {
		return true
	}
	for _, c := range t.columns {
		if c.name == name {
			return true
		}
	}
	return false
}

func (t tableSpec) createSQL() string {
	defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT", "timestamp REAL NOT NULL"}
	for _, c := range t.columns {
		defs = append(defs, c.name+" "+c.sqlType)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);\nCREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp);",
		t.table, strings.Join(defs, ",\n\t"), t.table, t.table)
}

func (t tableSpec) insertSQL() string {
	names := []string{"timestamp"}
	marks := []string{"?"}
	for _, c := range t.columns {
		names = append(names, c.name)
		marks = append(marks, "?")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.table, strings.Join(names, ", "), strings.Join(marks, ", "))
}

// selectList coalesces NULLs so rows written by older layouts still scan.
func (t tableSpec) selectList() string {
	exprs := []string{"timestamp"}
	for _, c := range t.columns {
		zero := "0"
		if c.sqlType == "TEXT" {
			zero = "''"
		}
		exprs = append(exprs, fmt.Sprintf("COALESCE(%s, %s)", c.name, zero))
	}
	return strings.Join(exprs, ", ")
}

// toEpoch stores whole microseconds, the precision fromEpoch reads back, so a
// returned timestamp selects the record it came from.
func toEpoch(t time.Time) float64 {
	return float64(t.Truncate(time.Microsecond).UnixMicro()) / 1e6
}

// ceilEpoch is the smallest stored value not before t. Lower bounds and
// "before" cutoffs use it so they agree with t on microsecond-aligned rows.
func ceilEpoch(t time.Time) float64 {
	c := t.Truncate(time.Microsecond)
	if c.Before(t) {
		c = c.Add(time.Microsecond)
	}
	return float64(c.UnixMicro()) / 1e6
}

// fromEpoch keeps microsecond precision, which a REAL column holds exactly
// for present-day timestamps.
func fromEpoch(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}

func u64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

var tableSpecs = []tableSpec{
	{
		kind:  domain.KindLog,
		table: "logcat_entries",
		columns: []column{
			{"level", "TEXT"}, {"tag", "TEXT"}, {"pid", "INTEGER"}, {"message", "TEXT"}, {"raw_entry", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			e := s.(domain.LogEntry)
			return []any{e.Level, e.Tag, e.PID, e.Message, e.Raw}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var e domain.LogEntry
			err := r.Scan(&ts, &e.Level, &e.Tag, &e.PID, &e.Message, &e.Raw)
			e.Timestamp = fromEpoch(ts)
			return e, err
		},
	},
	{
		kind:  domain.KindNetwork,
		table: "network_stats",
		columns: []column{
			{"interface", "TEXT"}, {"bytes_sent", "INTEGER"}, {"bytes_recv", "INTEGER"},
			{"packets_sent", "INTEGER"}, {"packets_recv", "INTEGER"},
			{"errors_in", "INTEGER"}, {"errors_out", "INTEGER"}, {"rate_mbps", "REAL"},
		},
		values: func(s domain.Sample) []any {
			n := s.(domain.NetworkSample)
			return []any{n.Interface, u64(n.BytesSent), u64(n.BytesRecv), u64(n.PacketsSent),
				u64(n.PacketsRecv), u64(n.ErrorsIn), u64(n.ErrorsOut), n.RateMBps}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var n domain.NetworkSample
			var sent, recv, psent, precv, ein, eout int64
			err := r.Scan(&ts, &n.Interface, &sent, &recv, &psent, &precv, &ein, &eout, &n.RateMBps)
			n.BytesSent, n.BytesRecv = uint64(sent), uint64(recv)
			n.PacketsSent, n.PacketsRecv = uint64(psent), uint64(precv)
			n.ErrorsIn, n.ErrorsOut = uint64(ein), uint64(eout)
			n.Timestamp = fromEpoch(ts)
			return n, err
		},
	},
	{
		kind:  domain.KindProcess,
		table: "process_stats",
		columns: []column{
			{"pid", "INTEGER"}, {"name", "TEXT"}, {"cpu_percent", "REAL"}, {"memory_percent", "REAL"},
			{"memory_rss", "INTEGER"}, {"memory_vms", "INTEGER"}, {"num_threads", "INTEGER"}, {"status", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			p := s.(domain.ProcessSample)
			return []any{p.PID, p.Name, p.CPUPercent, p.MemoryPercent, u64(p.RSS), u64(p.VMS), p.ThreadCount, p.Status}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var p domain.ProcessSample
			var rss, vms int64
			err := r.Scan(&ts, &p.PID, &p.Name, &p.CPUPercent, &p.MemoryPercent, &rss, &vms, &p.ThreadCount, &p.Status)
			p.RSS, p.VMS = uint64(rss), uint64(vms)
			p.Timestamp = fromEpoch(ts)
			return p, err
		},
	},
	{
		kind:  domain.KindMemory,
		table: "memory_stats",
		columns: []column{
			{"total", "INTEGER"}, {"available", "INTEGER"}, {"percent", "REAL"}, {"used", "INTEGER"},
			{"free", "INTEGER"}, {"swap_total", "INTEGER"}, {"swap_used", "INTEGER"}, {"swap_free", "INTEGER"},
			{"cached", "INTEGER"}, {"buffers", "INTEGER"},
		},
		values: func(s domain.Sample) []any {
			m := s.(domain.MemorySample)
			return []any{u64(m.Total), u64(m.Available), m.Percent, u64(m.Used), u64(m.Free),
				u64(m.SwapTotal), u64(m.SwapUsed), u64(m.SwapFree), u64(m.Cached), u64(m.Buffers)}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var m domain.MemorySample
			var v [9]int64
			err := r.Scan(&ts, &v[0], &v[1], &m.Percent, &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &v[8])
			m.Total, m.Available, m.Used, m.Free = uint64(v[0]), uint64(v[1]), uint64(v[2]), uint64(v[3])
			m.SwapTotal, m.SwapUsed, m.SwapFree = uint64(v[4]), uint64(v[5]), uint64(v[6])
			m.Cached, m.Buffers = uint64(v[7]), uint64(v[8])
			m.Timestamp = fromEpoch(ts)
			return m, err
		},
	},
	{
		kind:  domain.KindBattery,
		table: "battery_stats",
		columns: []column{
			{"level", "REAL"}, {"status", "TEXT"}, {"temperature", "REAL"}, {"voltage", "REAL"},
			{"technology", "TEXT"}, {"health", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			b := s.(domain.BatterySample)
			return []any{b.Level, b.Status, b.Temperature, b.Voltage, b.Technology, b.Health}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var b domain.BatterySample
			err := r.Scan(&ts, &b.Level, &b.Status, &b.Temperature, &b.Voltage, &b.Technology, &b.Health)
			b.Timestamp = fromEpoch(ts)
			return b, err
		},
	},
	{
		kind:  domain.KindFilesystem,
		table: "filesystem_events",
		columns: []column{
			{"event_type", "TEXT"}, {"path", "TEXT"}, {"size", "INTEGER"}, {"permissions", "TEXT"}, {"owner", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			f := s.(domain.FilesystemEvent)
			return []any{f.EventType, f.Path, f.Size, f.Permissions, f.Owner}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var f domain.FilesystemEvent
			err := r.Scan(&ts, &f.EventType, &f.Path, &f.Size, &f.Permissions, &f.Owner)
			f.Timestamp = fromEpoch(ts)
			return f, err
		},
	},
	{
		kind:  domain.KindApp,
		table: "app_events",
		columns: []column{
			{"package_name", "TEXT"}, {"event_type", "TEXT"}, {"component", "TEXT"}, {"data", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			a := s.(domain.AppEvent)
			return []any{a.PackageName, a.EventType, a.Component, a.Data}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var a domain.AppEvent
			err := r.Scan(&ts, &a.PackageName, &a.EventType, &a.Component, &a.Data)
			a.Timestamp = fromEpoch(ts)
			return a, err
		},
	},
	{
		kind:  domain.KindAlert,
		table: "alerts",
		columns: []column{
			{"module", "TEXT"}, {"severity", "TEXT"}, {"message", "TEXT"}, {"data", "TEXT"}, {"kind", "TEXT"},
		},
		values: func(s domain.Sample) []any {
			a := s.(domain.Alert)
			return []any{string(a.Module), string(a.Severity), a.Message, encodePayload(a.Payload), a.AlertKind}
		},
		scan: func(r scanner) (domain.Sample, error) {
			var ts float64
			var a domain.Alert
			var module, severity, data string
			if err := r.Scan(&ts, &module, &severity, &a.Message, &data, &a.AlertKind); err != nil {
				return nil, err
			}
			a.Module = domain.Module(module)
			a.Severity = domain.Severity(severity)
			a.Timestamp = fromEpoch(ts)
			a.Payload = decodePayload(data)
			return a, nil
		},
	},
}

var specsByKind = func() map[domain.Kind]tableSpec {
	m := make(map[domain.Kind]tableSpec, len(tableSpecs))
	for _, s := range tableSpecs {
		m[s.kind] = s
	}
	return m
}()

func specFor(kind domain.Kind) (tableSpec, error) {
	spec, ok := specsByKind[kind]
	if !ok {
		return tableSpec{}, fmt.Errorf("no table for record kind %q", kind)
	}
	return spec, nil
}

// TableName returns the table holding records of kind.
func TableName(kind domain.Kind) string {
	return specsByKind[kind].table
}

// Columns returns the column names of kind's table in storage order,
// timestamp first.
func Columns(kind domain.Kind) []string {
	spec := specsByKind[kind]
	names := []string{"timestamp"}
	for _, c := range spec.columns {
		names = append(names, c.name)
	}
	return names
}
