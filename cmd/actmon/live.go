package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/daemon"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/probe"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Print live samples without storing them",
	Long: `Runs the process, memory, network and battery probes and prints every
sample as it is collected. Nothing is written to the store and no alerts are
raised. Stops on Ctrl-C or after --duration.`,
	RunE: runLive,
}

var (
	liveDuration time.Duration
	liveTop      int
)

// liveModules are the probes live mode runs, when enabled.
var liveModules = []domain.Module{
	domain.ModuleProcess,
	domain.ModuleMemory,
	domain.ModuleNetwork,
	domain.ModuleBattery,
}

func init() {
	liveCmd.Flags().DurationVar(&liveDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	liveCmd.Flags().IntVar(&liveTop, "top", 5, "Processes shown per cycle")
	rootCmd.AddCommand(liveCmd)
}

// livePrinter is a Submitter that writes samples to a terminal.
type livePrinter struct {
	mu  sync.Mutex
	w   io.Writer
	top int
}

func (p *livePrinter) Submit(samples ...domain.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	procs := 0
	for _, s := range samples {
		if _, ok := s.(domain.ProcessSample); ok {
			if procs >= p.top {
				continue
			}
			procs++
		}
		fmt.Fprintln(p.w, formatLive(s))
	}
}

func formatLive(s domain.Sample) string {
	ts := s.Time().Local().Format(time.TimeOnly)
	switch v := s.(type) {
	case domain.ProcessSample:
		return fmt.Sprintf("%s [process] %-24s pid=%-6d cpu=%5.1f%% mem=%5.1f%% rss=%.1fMB",
			ts, v.Name, v.PID, v.CPUPercent, v.MemoryPercent, float64(v.RSS)/(1<<20))
	case domain.MemorySample:
		return fmt.Sprintf("%s [memory]  used=%.1f%% available=%.1fMB swap_used=%.1fMB",
			ts, v.Percent, float64(v.Available)/(1<<20), float64(v.SwapUsed)/(1<<20))
	case domain.NetworkSample:
		return fmt.Sprintf("%s [network] %-10s sent=%d recv=%d rate=%.3fMB/s",
			ts, v.Interface, v.BytesSent, v.BytesRecv, v.RateMBps)
	case domain.BatterySample:
		return fmt.Sprintf("%s [battery] level=%g%% status=%s temp=%.1fC",
			ts, v.Level, v.Status, v.Temperature)
	}
	return fmt.Sprintf("%s [%s] %+v", ts, s.Kind(), s)
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if liveDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, liveDuration)
		defer cancel()
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		fmt.Printf("Host: %s (%s %s), up %s\n", info.Hostname, info.Platform, info.PlatformVersion,
			(time.Duration(info.Uptime) * time.Second).String())
	}
	fmt.Println("Live monitoring, press Ctrl-C to stop")

	printer := &livePrinter{w: os.Stdout, top: liveTop}
	factory := probe.NewFactory()
	deps := daemon.HostDeps(cfg, logger)

	var runners []*probe.Runner
	for _, mod := range liveModules {
		if !cfg.Modules.Enabled(mod) {
			continue
		}
		c, err := factory.Build(mod, cfg, deps, logger)
		if err != nil {
			logger.Warn("skipping probe", zap.String("module", string(mod)), zap.Error(err))
			continue
		}
		r := probe.NewRunner(c, printer, probe.RunnerConfigFor(mod, cfg), zap.NewNop(), nil)
		if err := r.Start(ctx); err != nil {
			logger.Warn("skipping probe", zap.String("module", string(mod)), zap.Error(err))
			continue
		}
		runners = append(runners, r)
	}
	if len(runners) == 0 {
		return fmt.Errorf("no live probe could be started")
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *probe.Runner) {
			defer wg.Done()
			if err := r.Stop(stopCtx); err != nil {
				logger.Warn("probe did not stop cleanly", zap.Error(err))
			}
		}(r)
	}
	wg.Wait()
	fmt.Println("\nLive monitoring stopped")
	return nil
}
