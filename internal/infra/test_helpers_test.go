package infra

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu          sync.Mutex
	runningPIDs map[int]bool
	terminated  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
	}
}

func (m *mockProcessManager) Terminate(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = append(m.terminated, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningPIDs[pid] = running
}

var _ domain.ProcessManager = (*mockProcessManager)(nil)

// newTestStore opens a plain (unencrypted) store in a temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithKey(t, nil)
}

func newTestStoreWithKey(t *testing.T, key []byte) *Store {
	t.Helper()
	path := t.TempDir() + "/monitor_data.db"
	s, err := OpenStore(path, StoreOptions{Key: key, BusyTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// at returns a fixed instant offset by secs, microsecond aligned so it
// survives the REAL timestamp column unchanged.
func at(secs float64) time.Time {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(secs * float64(time.Second))).Local()
}
