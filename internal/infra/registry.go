package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

const (
	registryFileName = "collector.json"
	registryVersion  = 1
)

// FileRegistry implements domain.CollectorRegistry with a JSON file in the
// output directory. Writers take an flock on a sibling lock file and replace
// the file atomically, so readers in other processes never see a torn write.
type FileRegistry struct {
	path string
	now  func() time.Time
}

// NewFileRegistry creates a registry in dataDir.
func NewFileRegistry(dataDir string) domain.CollectorRegistry {
	return NewFileRegistryWithPath(filepath.Join(dataDir, registryFileName))
}

// NewFileRegistryWithPath creates a registry at a specific path (for testing).
func NewFileRegistryWithPath(path string) domain.CollectorRegistry {
	return &FileRegistry{path: path, now: time.Now}
}

// GetRegistryPath returns the registry file path.
func (r *FileRegistry) GetRegistryPath() string {
	return r.path
}

// Register records the running collector, replacing any previous entry.
func (r *FileRegistry) Register(info domain.CollectorInfo) error {
	return r.withLock(func() error {
		info.Version = registryVersion
		if info.StartedAt == 0 {
			info.StartedAt = r.now().Unix()
		}
		info.LastHeartbeat = r.now().Unix()
		if info.Mode == "" {
			info.Mode = string(DetectExecMode().Mode)
		}
		return r.atomicWrite(&info)
	})
}

// Heartbeat refreshes the liveness timestamp and probe status.
func (r *FileRegistry) Heartbeat(probes []domain.ProbeStatus) error {
	return r.withLock(func() error {
		entry, err := r.Get()
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("heartbeat without registration: %w", domain.ErrNotRunning)
		}
		entry.LastHeartbeat = r.now().Unix()
		entry.Probes = probes
		return r.atomicWrite(entry)
	})
}

// Get returns the registered collector, nil if none.
func (r *FileRegistry) Get() (*domain.CollectorInfo, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var info domain.CollectorInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", r.path, err)
	}
	return &info, nil
}

// Clear removes the registry file. Missing is not an error.
func (r *FileRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r *FileRegistry) withLock(fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// atomicWrite writes the entry to a per-process temp file and renames it.
func (r *FileRegistry) atomicWrite(info *domain.CollectorInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// LiveCollector returns the registered collector if its process is alive.
// A stale entry left by a crashed collector is cleared and reported as
// domain.ErrNotRunning.
func LiveCollector(reg domain.CollectorRegistry, pm domain.ProcessManager) (*domain.CollectorInfo, error) {
	info, err := reg.Get()
	if err != nil {
		return nil, err
	}
	if info == nil || info.PID == 0 {
		return nil, domain.ErrNotRunning
	}
	if !pm.IsRunning(info.PID) {
		_ = reg.Clear()
		return nil, fmt.Errorf("%w: pid %d is gone", domain.ErrNotRunning, info.PID)
	}
	return info, nil
}

// Ensure FileRegistry implements domain.CollectorRegistry.
var _ domain.CollectorRegistry = (*FileRegistry)(nil)
