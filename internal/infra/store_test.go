package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

func TestStore_RoundTripEveryKind(t *testing.T) {
	samples := []domain.Sample{
		domain.LogEntry{Timestamp: at(1), Level: "E", Tag: "AndroidRuntime", PID: 812, Message: "FATAL EXCEPTION: main", Raw: "03-01 12:00:01.000 812 812 E AndroidRuntime: FATAL EXCEPTION: main"},
		domain.NetworkSample{Timestamp: at(2), Interface: "wlan0", BytesSent: 1 << 40, BytesRecv: 42, PacketsSent: 7, PacketsRecv: 9, ErrorsIn: 1, ErrorsOut: 2, RateMBps: 1.5},
		domain.ProcessSample{Timestamp: at(3), PID: 1234, Name: "chrome", CPUPercent: 91.5, MemoryPercent: 12.25, RSS: 300 << 20, VMS: 2 << 30, ThreadCount: 48, Status: "running"},
		domain.MemorySample{Timestamp: at(4), Total: 8 << 30, Available: 2 << 30, Percent: 75, Used: 6 << 30, Free: 1 << 30, SwapTotal: 1 << 30, SwapUsed: 1 << 20, SwapFree: 1<<30 - 1<<20, Cached: 512 << 20, Buffers: 64 << 20},
		domain.BatterySample{Timestamp: at(5), Level: 18, Status: "discharging", Temperature: 31.2, Voltage: 3.85, Technology: "Li-ion", Health: "good"},
		domain.FilesystemEvent{Timestamp: at(6), EventType: domain.FileCreated, Path: "/sdcard/Download/a.apk", Size: 4096, Permissions: "0644", Owner: "1000"},
		domain.AppEvent{Timestamp: at(7), PackageName: "com.example", EventType: "start_activity", Component: "com.example/.Main", Data: "cmp=com.example/.Main"},
		domain.Alert{Timestamp: at(8), Module: domain.ModuleProcess, Severity: domain.SeverityWarning, AlertKind: domain.AlertHighCPU, Message: "High CPU usage: chrome (91.5%)", Payload: map[string]any{"pid": float64(1234), "name": "chrome"}},
	}

	s := newTestStore(t)
	ctx := context.Background()

	for _, want := range samples {
		require.NoError(t, s.InsertBatch(ctx, want.Kind(), []domain.Sample{want}))
	}

	for _, want := range samples {
		t.Run(string(want.Kind()), func(t *testing.T) {
			got, err := s.Query(ctx, want.Kind(), domain.TimeRange{}, 0)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, want, got[0])
		})
	}
}

func TestStore_QueryRangeIsInclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []domain.Sample
	for i := 0; i < 10; i++ {
		batch = append(batch, domain.MemorySample{Timestamp: at(float64(i)), Percent: float64(i)})
	}
	require.NoError(t, s.InsertBatch(ctx, domain.KindMemory, batch))

	got, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{Start: at(3), End: at(6)}, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, r := range got {
		assert.Equal(t, float64(i+3), r.(domain.MemorySample).Percent)
	}

	// open bounds
	got, err = s.Query(ctx, domain.KindMemory, domain.TimeRange{Start: at(8)}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.Query(ctx, domain.KindMemory, domain.TimeRange{End: at(0)}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_QueryOrdersByTimestampThenInsertion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, domain.KindLog, []domain.Sample{
		domain.LogEntry{Timestamp: at(5), Message: "late"},
		domain.LogEntry{Timestamp: at(1), Message: "tie-first"},
		domain.LogEntry{Timestamp: at(1), Message: "tie-second"},
	}))
	require.NoError(t, s.InsertBatch(ctx, domain.KindLog, []domain.Sample{
		domain.LogEntry{Timestamp: at(1), Message: "tie-third"},
	}))

	got, err := s.Query(ctx, domain.KindLog, domain.TimeRange{}, 0)
	require.NoError(t, err)

	var messages []string
	for _, r := range got {
		messages = append(messages, r.(domain.LogEntry).Message)
	}
	assert.Equal(t, []string{"tie-first", "tie-second", "tie-third", "late"}, messages)

	limited, err := s.Query(ctx, domain.KindLog, domain.TimeRange{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStore_QueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatch(ctx, domain.KindProcess, []domain.Sample{
		domain.ProcessSample{Timestamp: at(1), PID: 1, Name: "system_server", CPUPercent: 10},
		domain.ProcessSample{Timestamp: at(1), PID: 2, Name: "chrome", CPUPercent: 95},
		domain.ProcessSample{Timestamp: at(2), PID: 2, Name: "chrome", CPUPercent: 50},
		domain.ProcessSample{Timestamp: at(2), PID: 3, Name: "100%_done", CPUPercent: 1},
	}))

	tests := []struct {
		name    string
		filters []domain.Filter
		want    int
		wantErr error
	}{
		{name: "eq", filters: []domain.Filter{domain.Eq("name", "chrome")}, want: 2},
		{name: "gte", filters: []domain.Filter{domain.Gte("cpu_percent", 50)}, want: 2},
		{name: "combined", filters: []domain.Filter{domain.Eq("pid", 2), domain.Gte("cpu_percent", 90)}, want: 1},
		{name: "contains", filters: []domain.Filter{domain.Contains("name", "rom")}, want: 2},
		{name: "contains escapes wildcards", filters: []domain.Filter{domain.Contains("name", "0%_")}, want: 1},
		{name: "time value", filters: []domain.Filter{domain.Lt("timestamp", at(2))}, want: 2},
		{name: "unknown column", filters: []domain.Filter{domain.Eq("pid; DROP TABLE x", 1)}, wantErr: domain.ErrInvalidFilter},
		{name: "unknown op", filters: []domain.Filter{{Field: "pid", Op: "~", Value: 1}}, wantErr: domain.ErrInvalidFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, domain.KindProcess, domain.TimeRange{}, 0, tt.filters...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestStore_DeleteOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatches(ctx, []domain.TableBatch{
		{Kind: domain.KindBattery, Records: []domain.Sample{
			domain.BatterySample{Timestamp: at(0), Level: 90},
			domain.BatterySample{Timestamp: at(10), Level: 80},
			domain.BatterySample{Timestamp: at(20), Level: 70},
		}},
		{Kind: domain.KindAlert, Records: []domain.Sample{
			domain.Alert{Timestamp: at(5), AlertKind: domain.AlertLowBattery},
		}},
	}))

	deleted, err := s.DeleteOlderThan(ctx, at(10))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted[domain.KindBattery])
	assert.Equal(t, int64(1), deleted[domain.KindAlert])
	assert.Equal(t, int64(0), deleted[domain.KindLog])

	got, err := s.Query(ctx, domain.KindBattery, domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "record exactly at cutoff is kept")
	assert.True(t, got[0].Time().Equal(at(10)))
}

func TestStore_SubMicrosecondTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	written := time.Date(2024, 3, 1, 12, 0, 0, 700, time.UTC)
	require.NoError(t, s.InsertBatch(ctx, domain.KindMemory, []domain.Sample{
		domain.MemorySample{Timestamp: written, Percent: 50},
	}))

	got, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	returned := got[0].Time()
	assert.True(t, returned.Equal(written.Truncate(time.Microsecond)), "returned %v", returned)

	exact, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{Start: returned, End: returned}, 0)
	require.NoError(t, err)
	assert.Len(t, exact, 1)

	from, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{Start: returned}, 0)
	require.NoError(t, err)
	assert.Len(t, from, 1)

	before, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{}, 0,
		domain.Filter{Field: "timestamp", Op: domain.OpLt, Value: returned})
	require.NoError(t, err)
	assert.Empty(t, before)

	deleted, err := s.DeleteOlderThan(ctx, returned)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted[domain.KindMemory], "record at the cutoff is kept")

	deleted, err = s.DeleteOlderThan(ctx, returned.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted[domain.KindMemory])
}

func TestStore_Aggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertBatches(ctx, []domain.TableBatch{
		{Kind: domain.KindProcess, Records: []domain.Sample{
			domain.ProcessSample{Timestamp: at(0), Name: "a", CPUPercent: 10},
			domain.ProcessSample{Timestamp: at(1), Name: "a", CPUPercent: 30},
			domain.ProcessSample{Timestamp: at(1), Name: "b", CPUPercent: 50},
			domain.ProcessSample{Timestamp: at(2), Name: "c", CPUPercent: 20},
		}},
		{Kind: domain.KindAlert, Records: []domain.Sample{
			domain.Alert{Timestamp: at(3), Module: domain.ModuleMemory, Severity: domain.SeverityWarning},
			domain.Alert{Timestamp: at(4), Module: domain.ModuleBattery, Severity: domain.SeverityWarning},
			domain.Alert{Timestamp: at(5), Module: domain.ModuleMemory, Severity: domain.SeverityWarning},
		}},
	}))

	top, err := s.Aggregate(ctx, domain.GroupQuery{Kind: domain.KindProcess, Keys: []string{"name"}, Avg: "cpu_percent", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []domain.Group{
		{Keys: []string{"b"}, Count: 1, Avg: 50},
		{Keys: []string{"a"}, Count: 2, Avg: 20},
	}, top, "ties on the average are ordered by key and cut by the limit")

	alerts, err := s.Aggregate(ctx, domain.GroupQuery{Kind: domain.KindAlert, Keys: []string{"module", "severity"}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Group{
		{Keys: []string{"memory", "WARNING"}, Count: 2},
		{Keys: []string{"battery", "WARNING"}, Count: 1},
	}, alerts)

	empty, err := s.Aggregate(ctx, domain.GroupQuery{Kind: domain.KindApp, Keys: []string{"package_name"}})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.Aggregate(ctx, domain.GroupQuery{Kind: domain.KindProcess, Keys: []string{"name; DROP TABLE alerts"}})
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
	_, err = s.Aggregate(ctx, domain.GroupQuery{Kind: domain.KindProcess, Keys: []string{"name"}, Avg: "gpu"})
	assert.ErrorIs(t, err, domain.ErrInvalidFilter)
}

func TestStore_InsertBatchesIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`CREATE TRIGGER reject_memory BEFORE INSERT ON memory_stats
		BEGIN SELECT RAISE(ABORT, 'rejected'); END;`)
	require.NoError(t, err)

	err = s.InsertBatches(ctx, []domain.TableBatch{
		{Kind: domain.KindLog, Records: []domain.Sample{domain.LogEntry{Timestamp: at(1), Message: "a"}}},
		{Kind: domain.KindMemory, Records: []domain.Sample{domain.MemorySample{Timestamp: at(1)}}},
	})
	require.Error(t, err)

	logs, err := s.Query(ctx, domain.KindLog, domain.TimeRange{}, 0)
	require.NoError(t, err)
	assert.Empty(t, logs, "failed batch must leave no partial rows")
}

func TestStore_InsertRejectsMismatchedKind(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertBatch(context.Background(), domain.KindLog, []domain.Sample{domain.MemorySample{Timestamp: at(1)}})
	assert.Error(t, err)

	err = s.InsertBatch(context.Background(), domain.Kind("gpu"), nil)
	assert.ErrorContains(t, err, "no table")
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := domain.LogEntry{Timestamp: at(float64(i)), Tag: fmt.Sprintf("w%d", w)}
				if err := s.InsertBatch(ctx, domain.KindLog, []domain.Sample{e}); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	for _, st := range stats {
		if st.Kind == domain.KindLog {
			assert.Equal(t, int64(writers*perWriter), st.Count)
			assert.True(t, st.Oldest.Equal(at(0)))
			assert.True(t, st.Newest.Equal(at(perWriter-1)))
		}
	}
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, len(domain.AllKinds()))
	for _, st := range stats {
		assert.Zero(t, st.Count)
		assert.True(t, st.Oldest.IsZero())
	}
}

func TestOpenStore_Encryption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor_data.db")
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := OpenStore(path, StoreOptions{Key: key}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.InsertBatch(context.Background(), domain.KindBattery,
		[]domain.Sample{domain.BatterySample{Timestamp: at(1), Level: 50}}))
	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(schemaVersion), version)
	require.NoError(t, s.Close())

	t.Run("wrong key", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		_, err = OpenStore(path, StoreOptions{Key: other}, zap.NewNop())
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})

	t.Run("right key", func(t *testing.T) {
		s, err := OpenStore(path, StoreOptions{Key: key}, zap.NewNop())
		require.NoError(t, err)
		defer s.Close()
		got, err := s.Query(context.Background(), domain.KindBattery, domain.TimeRange{}, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestOpenStore_UnwritableLocation(t *testing.T) {
	dir := t.TempDir()
	// a file where the directory should be
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	_, err := OpenStore(filepath.Join(blocker, "db", "monitor_data.db"), StoreOptions{}, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestOpenStore_AddsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// Older layout: network_stats without rate_mbps.
	s, err := OpenStore(path, StoreOptions{}, zap.NewNop())
	require.NoError(t, err)
	_, err = s.db.Exec(`DROP TABLE network_stats;
		CREATE TABLE network_stats (id INTEGER PRIMARY KEY AUTOINCREMENT, timestamp REAL NOT NULL,
			interface TEXT, bytes_sent INTEGER, bytes_recv INTEGER, packets_sent INTEGER,
			packets_recv INTEGER, errors_in INTEGER, errors_out INTEGER);
		INSERT INTO network_stats (timestamp, interface, bytes_sent, bytes_recv, packets_sent, packets_recv, errors_in, errors_out)
			VALUES (1709294400, 'rmnet0', 1, 2, 3, 4, 0, 0);`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenStore(path, StoreOptions{}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Query(context.Background(), domain.KindNetwork, domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	n := got[0].(domain.NetworkSample)
	assert.Equal(t, "rmnet0", n.Interface)
	assert.Zero(t, n.RateMBps)
}

func TestStore_InsertRollsBackOnExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newStoreWithDB(db, "mock.db", zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO logcat_entries")).
		ExpectExec().
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.InsertBatch(context.Background(), domain.KindLog, []domain.Sample{domain.LogEntry{Timestamp: at(1)}})
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryPropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newStoreWithDB(db, "mock.db", zap.NewNop())
	mock.ExpectQuery(regexp.QuoteMeta("FROM alerts WHERE timestamp >= ?")).
		WillReturnError(errors.New("database is locked"))

	_, err = s.Query(context.Background(), domain.KindAlert, domain.TimeRange{Start: at(0)}, 10)
	assert.ErrorContains(t, err, "failed to query alerts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteVacuumFailureKeepsDeletion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := newStoreWithDB(db, "mock.db", zap.NewNop())
	mock.ExpectBegin()
	for _, spec := range tableSpecs {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM " + spec.table)).
			WillReturnResult(sqlmock.NewResult(0, 2))
	}
	mock.ExpectCommit()
	mock.ExpectExec("VACUUM").WillReturnError(errors.New("database is locked"))

	deleted, err := s.DeleteOlderThan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted[domain.KindProcess])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayloadCodec(t *testing.T) {
	assert.Equal(t, "", encodePayload(nil))
	assert.Nil(t, decodePayload(""))
	assert.Equal(t, map[string]any{"raw": "not json"}, decodePayload("not json"))

	p := map[string]any{"level": 12.5, "status": "discharging"}
	assert.Equal(t, p, decodePayload(encodePayload(p)))
}
