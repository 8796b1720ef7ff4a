package probe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

type ifaceMark struct {
	sent, recv uint64
	at         time.Time
}

// NetworkCollector samples interface counters and derives the combined
// send+receive rate in MB/s since the previous sample of each interface.
type NetworkCollector struct {
	sampler    domain.NetworkSampler
	conns      domain.ConnectionCounter
	interfaces map[string]bool
	logger     *zap.Logger
	prev       map[string]ifaceMark
}

// NewNetworkCollector creates a network collector. An empty interfaces list
// samples every interface. conns may be nil to skip the connection summary.
func NewNetworkCollector(s domain.NetworkSampler, conns domain.ConnectionCounter, interfaces []string, logger *zap.Logger) *NetworkCollector {
	var filter map[string]bool
	if len(interfaces) > 0 {
		filter = make(map[string]bool, len(interfaces))
		for _, name := range interfaces {
			filter[name] = true
		}
	}
	return &NetworkCollector{
		sampler:    s,
		conns:      conns,
		interfaces: filter,
		logger:     logger,
		prev:       make(map[string]ifaceMark),
	}
}

func (c *NetworkCollector) Module() domain.Module { return domain.ModuleNetwork }

func (c *NetworkCollector) Open(context.Context) error { return nil }

func (c *NetworkCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	stats, err := c.sampler.Interfaces(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Sample, 0, len(stats))
	for _, s := range stats {
		if c.interfaces != nil && !c.interfaces[s.Interface] {
			continue
		}
		s.Timestamp = now
		s.RateMBps = c.rate(s, now)
		c.prev[s.Interface] = ifaceMark{sent: s.BytesSent, recv: s.BytesRecv, at: now}
		out = append(out, s)
	}

	if c.conns != nil {
		c.logConnections(ctx)
	}
	return out, nil
}

// rateMBps is 0 on the first sample of an interface and after a counter reset.
func rateMBps(prevSent, prevRecv, sent, recv uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 || sent < prevSent || recv < prevRecv {
		return 0
	}
	delta := float64((sent - prevSent) + (recv - prevRecv))
	return delta / elapsed.Seconds() / (1024 * 1024)
}

func (c *NetworkCollector) rate(s domain.NetworkSample, now time.Time) float64 {
	p, ok := c.prev[s.Interface]
	if !ok {
		return 0
	}
	return rateMBps(p.sent, p.recv, s.BytesSent, s.BytesRecv, now.Sub(p.at))
}

func (c *NetworkCollector) logConnections(ctx context.Context) {
	byPID, err := c.conns.ConnectionsByPID(ctx)
	if err != nil {
		c.logger.Warn("failed to list connections", zap.Error(err))
		return
	}
	for pid, n := range byPID {
		c.logger.Debug("process connections", zap.Int32("pid", pid), zap.Int("connections", n))
	}
}

func (c *NetworkCollector) Close() error { return nil }
