package probe

import (
	"context"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// MemoryCollector takes one system memory snapshot per cycle.
type MemoryCollector struct {
	sampler domain.MemorySampler
}

func NewMemoryCollector(s domain.MemorySampler) *MemoryCollector {
	return &MemoryCollector{sampler: s}
}

func (c *MemoryCollector) Module() domain.Module      { return domain.ModuleMemory }
func (c *MemoryCollector) Open(context.Context) error { return nil }
func (c *MemoryCollector) Close() error               { return nil }

func (c *MemoryCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	m, err := c.sampler.Memory(ctx)
	if err != nil {
		return nil, err
	}
	m.Timestamp = now
	return []domain.Sample{m}, nil
}

// BatteryCollector takes one battery snapshot per cycle.
type BatteryCollector struct {
	sampler domain.BatterySampler
}

func NewBatteryCollector(s domain.BatterySampler) *BatteryCollector {
	return &BatteryCollector{sampler: s}
}

func (c *BatteryCollector) Module() domain.Module      { return domain.ModuleBattery }
func (c *BatteryCollector) Open(context.Context) error { return nil }
func (c *BatteryCollector) Close() error               { return nil }

func (c *BatteryCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	b, err := c.sampler.Battery(ctx)
	if err != nil {
		return nil, err
	}
	b.Timestamp = now
	return []domain.Sample{b}, nil
}

// FilesystemCollector reports changes from a FileChangeSource, either the
// polling snapshot scanner or the fsnotify source.
type FilesystemCollector struct {
	src  domain.FileChangeSource
	mono monotonic
}

func NewFilesystemCollector(src domain.FileChangeSource) *FilesystemCollector {
	return &FilesystemCollector{src: src}
}

func (c *FilesystemCollector) Module() domain.Module { return domain.ModuleFilesystem }

func (c *FilesystemCollector) Open(ctx context.Context) error {
	return c.src.Open(ctx)
}

// Collect returns the changes observed since the previous cycle. Events
// without a time get the cycle time.
func (c *FilesystemCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	events, err := c.src.Changes(ctx)
	out := make([]domain.Sample, len(events))
	for i, ev := range events {
		ev.Timestamp = c.mono.clamp(ev.Timestamp, now)
		out[i] = ev
	}
	return out, err
}

func (c *FilesystemCollector) Close() error {
	return c.src.Close()
}
