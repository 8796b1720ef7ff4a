// Package infra implements infrastructure concerns (store, registry, OS samplers, sinks).
package infra

import (
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Terminate sends SIGTERM so the collector can flush before exiting.
func (pm *ProcessManagerImpl) Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, FindProcess always succeeds
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Send signal 0 to check if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// GetCurrentPID returns the current process PID.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)

type cpuMark struct {
	total float64 // user+system seconds
	at    time.Time
}

// GopsutilProcessSampler implements domain.ProcessSampler.
// CPU percent is measured between consecutive calls; a process seen for the
// first time reports its lifetime average instead.
type GopsutilProcessSampler struct {
	mu   sync.Mutex
	prev map[int32]cpuMark
	now  func() time.Time
}

// NewProcessSampler creates a gopsutil-backed process sampler.
func NewProcessSampler() *GopsutilProcessSampler {
	return &GopsutilProcessSampler{
		prev: make(map[int32]cpuMark),
		now:  time.Now,
	}
}

// Processes lists every readable process. Processes that exit mid-scan or
// deny access are skipped.
func (s *GopsutilProcessSampler) Processes(ctx context.Context) ([]domain.ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[int32]cpuMark, len(procs))
	out := make([]domain.ProcessSample, 0, len(procs))

	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // Process may have exited
		}

		sample := domain.ProcessSample{PID: p.Pid, Name: name}

		if times, err := p.TimesWithContext(ctx); err == nil {
			mark := cpuMark{total: times.User + times.System, at: now}
			seen[p.Pid] = mark
			if last, ok := s.prev[p.Pid]; ok && now.After(last.at) {
				sample.CPUPercent = (mark.total - last.total) / now.Sub(last.at).Seconds() * 100
			} else if pct, err := p.CPUPercentWithContext(ctx); err == nil {
				sample.CPUPercent = pct
			}
			if sample.CPUPercent < 0 {
				sample.CPUPercent = 0
			}
		}
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			sample.MemoryPercent = float64(pct)
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			sample.RSS, sample.VMS = mi.RSS, mi.VMS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			sample.ThreadCount = n
		}
		if st, err := p.StatusWithContext(ctx); err == nil {
			sample.Status = normalizeStatus(st)
		}

		out = append(out, sample)
	}

	// forget exited processes so the map doesn't grow with PID churn
	s.prev = seen
	return out, nil
}

func normalizeStatus(st []string) string {
	if len(st) == 0 {
		return ""
	}
	switch st[0] {
	case process.Running:
		return "running"
	case process.Sleep:
		return "sleeping"
	case process.Stop:
		return "stopped"
	case process.Idle:
		return "idle"
	case process.Zombie:
		return "zombie"
	case process.Wait:
		return "waiting"
	case process.Lock:
		return "locked"
	}
	return strings.ToLower(st[0])
}

var _ domain.ProcessSampler = (*GopsutilProcessSampler)(nil)
