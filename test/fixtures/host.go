// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/probe"
)

// FakeHost is a scripted machine. Counters grow on every read and the
// battery drains one percent per read.
type FakeHost struct {
	mu sync.Mutex

	MemoryPercent float64
	BatteryLevel  float64
	ProcessList   []domain.ProcessSample

	sent         uint64
	recv         uint64
	batteryReads int
}

// NewFakeHost creates a host with two busy processes and a full battery.
func NewFakeHost(memoryPercent float64) *FakeHost {
	return &FakeHost{
		MemoryPercent: memoryPercent,
		BatteryLevel:  100,
		ProcessList: []domain.ProcessSample{
			{PID: 100, Name: "com.example.browser", CPUPercent: 72, MemoryPercent: 12, RSS: 300 << 20, Status: "running"},
			{PID: 200, Name: "surfaceflinger", CPUPercent: 8, MemoryPercent: 3, RSS: 60 << 20, Status: "sleeping"},
		},
	}
}

func (h *FakeHost) Memory(context.Context) (domain.MemorySample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := uint64(8 << 30)
	used := uint64(float64(total) * h.MemoryPercent / 100)
	return domain.MemorySample{
		Total:     total,
		Used:      used,
		Available: total - used,
		Percent:   h.MemoryPercent,
	}, nil
}

func (h *FakeHost) Processes(context.Context) ([]domain.ProcessSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ProcessSample(nil), h.ProcessList...), nil
}

func (h *FakeHost) Interfaces(context.Context) ([]domain.NetworkSample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent += 1 << 20
	h.recv += 4 << 20
	return []domain.NetworkSample{{Interface: "wlan0", BytesSent: h.sent, BytesRecv: h.recv}}, nil
}

func (h *FakeHost) ConnectionsByPID(context.Context) (map[int32]int, error) {
	return map[int32]int{100: 4}, nil
}

func (h *FakeHost) Battery(context.Context) (domain.BatterySample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batteryReads++
	level := h.BatteryLevel
	h.BatteryLevel = max(h.BatteryLevel-1, 0)
	return domain.BatterySample{Level: level, Status: "discharging", Temperature: 30}, nil
}

// BatteryReads reports how many battery cycles have run.
func (h *FakeHost) BatteryReads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batteryReads
}

// Deps wires the host into the probe factory. The log, app and filesystem
// modules have no fake source and must stay disabled.
func (h *FakeHost) Deps() probe.Deps {
	return probe.Deps{
		Processes:   h,
		Memory:      h,
		Network:     h,
		Connections: h,
		Battery:     h,
	}
}

// Config returns a configuration that stores under dir and polls the
// sampled modules every few milliseconds.
func Config(dir string) config.Config {
	cfg := config.Default()
	cfg.General.OutputDir = dir
	cfg.General.Encrypt = true
	for _, m := range domain.AllModules() {
		cfg.Modules.SetEnabled(m, false)
	}
	fast := config.Duration(50 * time.Millisecond)
	for _, m := range []domain.Module{domain.ModuleProcess, domain.ModuleMemory, domain.ModuleNetwork, domain.ModuleBattery} {
		cfg.Modules.SetEnabled(m, true)
	}
	cfg.Modules.Process.Interval = fast
	cfg.Modules.Memory.Interval = fast
	cfg.Modules.Network.Interval = fast
	cfg.Modules.Battery.Interval = fast
	cfg.Storage.BatchSize = 10
	cfg.Storage.FlushInterval = config.Duration(50 * time.Millisecond)
	cfg.Probes.GuardInterval = config.Duration(10 * time.Millisecond)
	cfg.Probes.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	return cfg
}
