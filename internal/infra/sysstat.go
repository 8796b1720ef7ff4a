package infra

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// MemoryStat implements domain.MemorySampler with gopsutil.
type MemoryStat struct {
	// Detailed adds swap figures, which cost an extra read of /proc.
	Detailed bool
}

// Memory reads the current system memory state.
func (m MemoryStat) Memory(ctx context.Context) (domain.MemorySample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.MemorySample{}, err
	}
	sample := domain.MemorySample{
		Total:     vm.Total,
		Available: vm.Available,
		Percent:   vm.UsedPercent,
		Used:      vm.Used,
		Free:      vm.Free,
		Cached:    vm.Cached,
		Buffers:   vm.Buffers,
	}
	if !m.Detailed {
		return sample, nil
	}
	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		sample.SwapTotal, sample.SwapUsed, sample.SwapFree = sw.Total, sw.Used, sw.Free
	}
	return sample, nil
}

// NetStat implements domain.NetworkSampler and domain.ConnectionCounter.
type NetStat struct{}

// Interfaces returns cumulative counters of every interface.
func (NetStat) Interfaces(ctx context.Context) ([]domain.NetworkSample, error) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NetworkSample, 0, len(counters))
	for _, c := range counters {
		out = append(out, domain.NetworkSample{
			Interface:   c.Name,
			BytesSent:   c.BytesSent,
			BytesRecv:   c.BytesRecv,
			PacketsSent: c.PacketsSent,
			PacketsRecv: c.PacketsRecv,
			ErrorsIn:    c.Errin,
			ErrorsOut:   c.Errout,
		})
	}
	return out, nil
}

// ConnectionsByPID counts inet sockets per owning process. Sockets whose
// owner is hidden from this user are counted under PID 0.
func (NetStat) ConnectionsByPID(ctx context.Context) (map[int32]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, err
	}
	counts := make(map[int32]int)
	for _, c := range conns {
		counts[c.Pid]++
	}
	return counts, nil
}

var (
	_ domain.MemorySampler     = MemoryStat{}
	_ domain.NetworkSampler    = NetStat{}
	_ domain.ConnectionCounter = NetStat{}
)
