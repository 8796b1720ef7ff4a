package probe

import (
	"context"
	"sort"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// ProcessCollector keeps the top N processes by CPU usage.
type ProcessCollector struct {
	sampler      domain.ProcessSampler
	topN         int
	trackThreads bool
}

// NewProcessCollector creates a process collector.
func NewProcessCollector(s domain.ProcessSampler, topN int, trackThreads bool) *ProcessCollector {
	return &ProcessCollector{sampler: s, topN: topN, trackThreads: trackThreads}
}

func (c *ProcessCollector) Module() domain.Module { return domain.ModuleProcess }

func (c *ProcessCollector) Open(context.Context) error { return nil }

func (c *ProcessCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	procs, err := c.sampler.Processes(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].CPUPercent != procs[j].CPUPercent {
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
		return procs[i].PID < procs[j].PID
	})
	if c.topN > 0 && len(procs) > c.topN {
		procs = procs[:c.topN]
	}

	out := make([]domain.Sample, len(procs))
	for i, p := range procs {
		p.Timestamp = now
		if !c.trackThreads {
			p.ThreadCount = 0
		}
		out[i] = p
	}
	return out, nil
}

func (c *ProcessCollector) Close() error { return nil }
