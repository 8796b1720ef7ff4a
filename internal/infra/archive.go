package infra

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

const manifestName = "manifest.json"

// ArchiveManifest describes the content of an archive.
type ArchiveManifest struct {
	AppVersion string                 `json:"app_version"`
	CreatedAt  time.Time              `json:"created_at"`
	Start      time.Time              `json:"start,omitempty"`
	End        time.Time              `json:"end,omitempty"`
	Before     time.Time              `json:"before,omitempty"`
	Counts     map[domain.Kind]int    `json:"counts"`
	Tables     map[domain.Kind]string `json:"tables"`
}

// Archiver writes zip archives of stored records: one JSON-lines member per
// table plus a manifest, and a .sha256 sidecar next to the zip.
type Archiver struct {
	reader     domain.SampleReader
	appVersion string
	logger     *zap.Logger
	now        func() time.Time
}

// NewArchiver creates an Archiver reading from reader.
func NewArchiver(reader domain.SampleReader, appVersion string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{reader: reader, appVersion: appVersion, logger: logger, now: time.Now}
}

// Write archives every record within r to dst. The zip is written to a temp
// file and renamed into place, so dst is either complete or absent.
func (a *Archiver) Write(ctx context.Context, dst string, r domain.TimeRange) (*ArchiveManifest, error) {
	manifest := a.newManifest()
	manifest.Start, manifest.End = r.Start, r.End
	return a.write(ctx, dst, manifest, r)
}

// WriteBefore archives every record with timestamp < cutoff, the rows
// Store.DeleteOlderThan(cutoff) removes.
func (a *Archiver) WriteBefore(ctx context.Context, dst string, cutoff time.Time) (*ArchiveManifest, error) {
	manifest := a.newManifest()
	manifest.Before = cutoff
	return a.write(ctx, dst, manifest, domain.TimeRange{},
		domain.Filter{Field: "timestamp", Op: domain.OpLt, Value: cutoff})
}

func (a *Archiver) newManifest() *ArchiveManifest {
	return &ArchiveManifest{
		AppVersion: a.appVersion,
		CreatedAt:  a.now(),
		Counts:     make(map[domain.Kind]int),
		Tables:     make(map[domain.Kind]string),
	}
}

func (a *Archiver) write(ctx context.Context, dst string, manifest *ArchiveManifest, r domain.TimeRange, filters ...domain.Filter) (*ArchiveManifest, error) {
	err := atomicWrite(dst, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		for _, kind := range domain.AllKinds() {
			records, err := a.reader.Query(ctx, kind, r, 0, filters...)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", kind, err)
			}
			name := TableName(kind) + ".jsonl"
			f, err := zw.Create(name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(f)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return fmt.Errorf("failed to encode %s record: %w", kind, err)
				}
			}
			manifest.Counts[kind] = len(records)
			manifest.Tables[kind] = name
		}

		f, err := zw.Create(manifestName)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(manifest); err != nil {
			return err
		}
		return zw.Close()
	})
	if err != nil {
		return nil, err
	}

	sum, err := computeSHA256(dst)
	if err != nil {
		return nil, fmt.Errorf("failed to hash archive: %w", err)
	}
	sidecar := fmt.Sprintf("%s  %s\n", sum, filepath.Base(dst))
	if err := os.WriteFile(dst+".sha256", []byte(sidecar), 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksum: %w", err)
	}

	a.logger.Info("archive written",
		zap.String("path", dst),
		zap.String("sha256", sum[:16]+"..."),
		zap.Any("counts", manifest.Counts))
	return manifest, nil
}

// VerifyArchive checks the zip against its .sha256 sidecar and returns the
// manifest.
func VerifyArchive(path string) (*ArchiveManifest, error) {
	data, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty checksum file")
	}
	sum, err := computeSHA256(path)
	if err != nil {
		return nil, err
	}
	if sum != fields[0] {
		return nil, fmt.Errorf("checksum mismatch: archive %s, recorded %s", sum, fields[0])
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	f, err := zr.Open(manifestName)
	if err != nil {
		return nil, fmt.Errorf("archive has no manifest: %w", err)
	}
	defer f.Close()

	var m ArchiveManifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// computeSHA256 calculates SHA256 hash of a file
func computeSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// atomicWrite writes dst through a temp file in the same directory, syncs,
// then renames.
func atomicWrite(dst string, write func(w io.Writer) error) error {
	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0700); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dstDir, ".actmon-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err = write(tmpFile); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}
