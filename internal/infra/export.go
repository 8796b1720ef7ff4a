package infra

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// WriteCSV writes records of one kind as CSV with a header row. The timestamp
// column is RFC 3339 in UTC; other columns follow the table layout.
func WriteCSV(w io.Writer, kind domain.Kind, records []domain.Sample) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns(kind)); err != nil {
		return err
	}
	row := make([]string, 0, len(spec.columns)+1)
	for _, r := range records {
		row = row[:0]
		row = append(row, r.Time().UTC().Format(time.RFC3339Nano))
		for _, v := range spec.values(r) {
			row = append(row, csvValue(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ExportCSV writes one <table>.csv per kind into dir and returns the paths
// written. Each file is replaced atomically.
func ExportCSV(ctx context.Context, reader domain.SampleReader, dir string, r domain.TimeRange, kinds []domain.Kind) (map[domain.Kind]string, error) {
	if len(kinds) == 0 {
		kinds = domain.AllKinds()
	}
	out := make(map[domain.Kind]string, len(kinds))
	for _, kind := range kinds {
		records, err := reader.Query(ctx, kind, r, 0)
		if err != nil {
			return out, fmt.Errorf("failed to read %s: %w", kind, err)
		}
		path := filepath.Join(dir, TableName(kind)+".csv")
		if err := atomicWrite(path, func(w io.Writer) error {
			return WriteCSV(w, kind, records)
		}); err != nil {
			return out, fmt.Errorf("failed to write %s: %w", path, err)
		}
		out[kind] = path
	}
	return out, nil
}
