package infra

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

func seedStore(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.InsertBatches(context.Background(), []domain.TableBatch{
		{Kind: domain.KindProcess, Records: []domain.Sample{
			domain.ProcessSample{Timestamp: at(1), PID: 10, Name: "a", CPUPercent: 12.5},
			domain.ProcessSample{Timestamp: at(2), PID: 11, Name: "b, with comma", CPUPercent: 3},
		}},
		{Kind: domain.KindAlert, Records: []domain.Sample{
			domain.Alert{Timestamp: at(2), Module: domain.ModuleProcess, Severity: domain.SeverityWarning, AlertKind: domain.AlertHighCPU, Message: "x"},
		}},
	}))
}

func TestArchiver_WriteAndVerify(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)

	dst := filepath.Join(t.TempDir(), "out", "archive.zip")
	manifest, err := NewArchiver(s, "1.2.3", zap.NewNop()).Write(context.Background(), dst, domain.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.Counts[domain.KindProcess])
	assert.Equal(t, 1, manifest.Counts[domain.KindAlert])
	assert.Equal(t, 0, manifest.Counts[domain.KindLog])

	verified, err := VerifyArchive(dst)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", verified.AppVersion)
	assert.Equal(t, manifest.Counts, verified.Counts)

	zr, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer zr.Close()
	f, err := zr.Open("process_stats.jsonl")
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(dst), ".actmon-write-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestArchiver_WriteBeforeMatchesDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := at(10)

	require.NoError(t, s.InsertBatch(ctx, domain.KindMemory, []domain.Sample{
		domain.MemorySample{Timestamp: at(1), Percent: 1},
		domain.MemorySample{Timestamp: cutoff.Add(-300 * time.Nanosecond), Percent: 2},
		domain.MemorySample{Timestamp: cutoff, Percent: 3},
	}))

	dst := filepath.Join(t.TempDir(), "before.zip")
	manifest, err := NewArchiver(s, "1.0.0", zap.NewNop()).WriteBefore(ctx, dst, cutoff)
	require.NoError(t, err)
	assert.True(t, manifest.Before.Equal(cutoff))

	deleted, err := s.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.Counts[domain.KindMemory])
	assert.Equal(t, int64(manifest.Counts[domain.KindMemory]), deleted[domain.KindMemory])

	left, err := s.Query(ctx, domain.KindMemory, domain.TimeRange{}, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.True(t, left[0].Time().Equal(cutoff))
}

func TestVerifyArchive_DetectsTampering(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)

	dst := filepath.Join(t.TempDir(), "archive.zip")
	_, err := NewArchiver(s, "1.0.0", zap.NewNop()).Write(context.Background(), dst, domain.TimeRange{})
	require.NoError(t, err)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(dst, data, 0600))

	_, err = VerifyArchive(dst)
	assert.ErrorContains(t, err, "checksum mismatch")

	_, err = VerifyArchive(filepath.Join(t.TempDir(), "none.zip"))
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, domain.KindProcess, []domain.Sample{
		domain.ProcessSample{Timestamp: at(1), PID: 10, Name: "b, with comma", CPUPercent: 12.5, RSS: 1024},
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Columns(domain.KindProcess), rows[0])
	assert.Equal(t, "2024-03-01T12:00:01Z", rows[1][0])
	assert.Equal(t, "10", rows[1][1])
	assert.Equal(t, "b, with comma", rows[1][2])
	assert.Equal(t, "12.5", rows[1][3])
	assert.Equal(t, "1024", rows[1][5])

	assert.Error(t, WriteCSV(&buf, domain.Kind("gpu"), nil))
}

func TestExportCSV(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)
	dir := t.TempDir()

	paths, err := ExportCSV(context.Background(), s, dir, domain.TimeRange{}, []domain.Kind{domain.KindProcess, domain.KindAlert})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "process_stats.csv"), paths[domain.KindProcess])

	f, err := os.Open(paths[domain.KindAlert])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
