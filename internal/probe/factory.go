package probe

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// Deps are the OS capabilities collectors consume. The daemon fills them
// with the gopsutil, exec and fsnotify implementations; tests use fakes.
type Deps struct {
	Processes   domain.ProcessSampler
	Memory      domain.MemorySampler
	Network     domain.NetworkSampler
	Connections domain.ConnectionCounter
	Battery     domain.BatterySampler

	// Lines opens a line stream over a command's output.
	Lines func(argv []string, capacity int) domain.LineSource

	// Files creates the change source for the filesystem module.
	Files func(cfg config.FilesystemConfig) domain.FileChangeSource
}

// Builder creates the collector of one module.
type Builder func(cfg config.Config, deps Deps, logger *zap.Logger) (Collector, error)

var errMissingDep = errors.New("missing sampler")

// Factory maps modules to collector builders.
type Factory struct {
	builders map[domain.Module]Builder
}

// NewFactory creates a factory with every built-in module registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[domain.Module]Builder)}
	f.Register(domain.ModuleLogcat, buildLogcat)
	f.Register(domain.ModuleNetwork, buildNetwork)
	f.Register(domain.ModuleProcess, buildProcess)
	f.Register(domain.ModuleMemory, buildMemory)
	f.Register(domain.ModuleBattery, buildBattery)
	f.Register(domain.ModuleFilesystem, buildFilesystem)
	f.Register(domain.ModuleApps, buildApps)
	return f
}

// Register adds or replaces the builder of a module.
func (f *Factory) Register(m domain.Module, b Builder) {
	f.builders[m] = b
}

// Modules returns the registered modules, sorted.
func (f *Factory) Modules() []domain.Module {
	out := make([]domain.Module, 0, len(f.builders))
	for m := range f.builders {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build creates the collector of module m.
func (f *Factory) Build(m domain.Module, cfg config.Config, deps Deps, logger *zap.Logger) (Collector, error) {
	b, ok := f.builders[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownModule, m)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := b(cfg, deps, logger.With(zap.String("module", string(m))))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s probe: %w", m, err)
	}
	return c, nil
}

// RunnerConfigFor derives the loop timing of module m from cfg.
func RunnerConfigFor(m domain.Module, cfg config.Config) RunnerConfig {
	return RunnerConfig{
		Interval:      cfg.Modules.Interval(m),
		Guard:         cfg.Probes.GuardInterval.Std(),
		StopGrace:     cfg.Probes.StopGrace.Std(),
		DegradedAfter: cfg.Probes.DegradedAfter,
	}
}

func buildLogcat(cfg config.Config, deps Deps, logger *zap.Logger) (Collector, error) {
	if deps.Lines == nil {
		return nil, fmt.Errorf("%w: line source", errMissingDep)
	}
	lc := cfg.Modules.Logcat
	argv := LogcatArgv(lc.Command, lc.Filters, lc.Priority)
	return NewLogcatCollector(deps.Lines(argv, lc.BufferSize), logger), nil
}

func buildApps(cfg config.Config, deps Deps, _ *zap.Logger) (Collector, error) {
	if deps.Lines == nil {
		return nil, fmt.Errorf("%w: line source", errMissingDep)
	}
	ac := cfg.Modules.Apps
	return NewAppsCollector(deps.Lines(ac.Command, ac.BufferSize)), nil
}

func buildNetwork(cfg config.Config, deps Deps, logger *zap.Logger) (Collector, error) {
	if deps.Network == nil {
		return nil, fmt.Errorf("%w: network", errMissingDep)
	}
	var conns domain.ConnectionCounter
	if cfg.Modules.Network.CaptureConnections && deps.Connections != nil {
		conns = deps.Connections
	}
	return NewNetworkCollector(deps.Network, conns, cfg.Modules.Network.Interfaces, logger), nil
}

func buildProcess(cfg config.Config, deps Deps, _ *zap.Logger) (Collector, error) {
	if deps.Processes == nil {
		return nil, fmt.Errorf("%w: process", errMissingDep)
	}
	pc := cfg.Modules.Process
	return NewProcessCollector(deps.Processes, pc.TopN, pc.TrackThreads), nil
}

func buildMemory(_ config.Config, deps Deps, _ *zap.Logger) (Collector, error) {
	if deps.Memory == nil {
		return nil, fmt.Errorf("%w: memory", errMissingDep)
	}
	return NewMemoryCollector(deps.Memory), nil
}

func buildBattery(_ config.Config, deps Deps, _ *zap.Logger) (Collector, error) {
	if deps.Battery == nil {
		return nil, fmt.Errorf("%w: battery", errMissingDep)
	}
	return NewBatteryCollector(deps.Battery), nil
}

func buildFilesystem(cfg config.Config, deps Deps, _ *zap.Logger) (Collector, error) {
	if deps.Files == nil {
		return nil, fmt.Errorf("%w: filesystem", errMissingDep)
	}
	return NewFilesystemCollector(deps.Files(cfg.Modules.Filesystem)), nil
}
