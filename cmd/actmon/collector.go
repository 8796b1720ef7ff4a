package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/daemon"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collector in the foreground",
	Long: `Runs every enabled probe, persists samples to the store and raises alerts
until interrupted (SIGINT/SIGTERM). Pending samples are flushed on shutdown.`,
	RunE: runCollector,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the collector in the background",
	Long:  `Spawns a detached 'actmon run' with the same flags and waits for it to register.`,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background collector",
	Long:  `Sends SIGTERM to the registered collector and waits for it to flush and exit.`,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show collector status",
	Long:  `Shows whether a collector is running, its heartbeat and the status of every probe.`,
	RunE:  runStatus,
}

var stopTimeoutFlag time.Duration

func init() {
	stopCmd.Flags().DurationVar(&stopTimeoutFlag, "timeout", 30*time.Second, "How long to wait for the collector to exit")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, mode, err := loadConfig()
	if err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.General.OutputDir)
	if info, err := infra.LiveCollector(registry, pm); err == nil {
		return fmt.Errorf("collector already running (pid %d)", info.PID)
	}

	store, err := daemon.OpenStore(cfg, false, logger.Named("store"))
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return err
	}

	m := metrics.New()
	promReg := prometheus.NewRegistry()
	if err := m.Register(promReg); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sinks, closeSinks, err := daemon.BuildSinks(cfg.Actions)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		if err := closeSinks(); err != nil {
			logger.Warn("failed to close sinks", zap.Error(err))
		}
	}()

	orch, err := daemon.New(daemon.Options{
		Config:     cfg,
		Store:      store,
		Registry:   registry,
		Deps:       daemon.HostDeps(cfg, logger),
		Sinks:      sinks,
		Metrics:    m,
		Logger:     logger,
		AppVersion: Version,
		Mode:       string(mode.Mode),
	})
	if err != nil {
		_ = store.Close()
		return err
	}

	var srv *metrics.Server
	if cfg.Metrics.Listen != "" {
		srv = metrics.NewServer(cfg.Metrics.Listen, promReg, logger)
		srv.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting collector",
		zap.String("version", Version),
		zap.String("mode", string(mode.Mode)),
		zap.String("output_dir", cfg.General.OutputDir),
		zap.Strings("modules", moduleNames(cfg.Modules.EnabledModules())))

	runErr := orch.Run(ctx, shutdownTimeout(cfg))

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop metrics endpoint", zap.Error(err))
		}
	}
	return runErr
}

// shutdownTimeout bounds Stop: the slowest probe's interval plus its grace,
// and time for the final flush and alert deliveries.
func shutdownTimeout(cfg config.Config) time.Duration {
	var longest time.Duration
	for _, m := range cfg.Modules.EnabledModules() {
		longest = max(longest, cfg.Modules.Interval(m))
	}
	return longest + cfg.Probes.StopGrace.Std() + cfg.Alerts.DeliveryTimeout.Std() + 5*time.Second
}

func moduleNames(mods []domain.Module) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = string(m)
	}
	return out
}

// forwardedFlags rebuilds the global flags for the detached collector.
func forwardedFlags(cfg config.Config) []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if presetName != "" {
		args = append(args, "--preset", presetName)
	}
	args = append(args, "--output-dir", cfg.General.OutputDir)
	for _, d := range disabled {
		args = append(args, "--disable", d)
	}
	return args
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, mode, err := loadConfig()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.General.OutputDir)
	if info, err := infra.LiveCollector(registry, pm); err == nil {
		fmt.Printf("actmon is already running (pid %d)\n", info.PID)
		return nil
	}

	pid, err := daemon.StartDetached("", forwardedFlags(cfg)...)
	if err != nil {
		return err
	}

	// Wait for the collector to register
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := registry.Get(); err == nil && info != nil && info.PID == pid {
			break
		}
		if !pm.IsRunning(pid) {
			return fmt.Errorf("collector exited during startup, see %s", cfg.LogPath())
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Println("\n=== actmon Started ===")
	fmt.Printf("Mode: %s\n", mode.Mode)
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("Database: %s\n", cfg.DBPath())
	fmt.Printf("Log: %s\n", cfg.LogPath())
	fmt.Printf("Modules: %s\n", strings.Join(moduleNames(cfg.Modules.EnabledModules()), ", "))
	fmt.Println("======================")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.General.OutputDir)
	info, err := infra.LiveCollector(registry, pm)
	if errors.Is(err, domain.ErrNotRunning) {
		fmt.Println("actmon is not running")
		return nil
	}
	if err != nil {
		return err
	}

	if err := pm.Terminate(info.PID); err != nil {
		return fmt.Errorf("failed to signal collector: %w", err)
	}

	deadline := time.Now().Add(stopTimeoutFlag)
	for pm.IsRunning(info.PID) {
		if time.Now().After(deadline) {
			return fmt.Errorf("collector (pid %d) did not exit within %s", info.PID, stopTimeoutFlag)
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Printf("actmon stopped (pid %d)\n", info.PID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	pm := infra.NewProcessManager()
	registry := infra.NewFileRegistry(cfg.General.OutputDir)
	info, err := infra.LiveCollector(registry, pm)
	if err != nil && !errors.Is(err, domain.ErrNotRunning) {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"running":   info != nil,
			"collector": info,
		})
	}

	fmt.Println("\n=== actmon Status ===")
	if info == nil {
		fmt.Println("Status: NOT RUNNING")
		fmt.Println("\nRun 'actmon start' to begin collecting.")
		return nil
	}

	fmt.Println("Status: RUNNING")
	fmt.Printf("PID: %d\n", info.PID)
	if info.Mode != "" {
		fmt.Printf("Mode: %s\n", info.Mode)
	}
	fmt.Printf("Version: %s\n", info.AppVersion)
	fmt.Printf("Database: %s\n", info.DBPath)
	if info.StartedAt > 0 {
		fmt.Printf("Uptime: %s\n", time.Since(time.Unix(info.StartedAt, 0)).Round(time.Second))
	}
	if info.LastHeartbeat > 0 {
		lastBeat := time.Unix(info.LastHeartbeat, 0)
		fmt.Printf("Last heartbeat: %s ago\n", time.Since(lastBeat).Round(time.Second))
	}

	if len(info.Probes) > 0 {
		fmt.Println("\nProbes:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  MODULE\tSTATE\tINTERVAL\tCYCLES\tSKIPPED\tLAST COLLECTED\tNOTE")
		for _, p := range info.Probes {
			last := "-"
			if !p.LastCollected.IsZero() {
				last = p.LastCollected.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				p.Module, p.State, p.Interval, p.Cycles, p.SkippedCycles, last, probeNote(p))
		}
		_ = tw.Flush()
	}
	fmt.Println("=====================")
	return nil
}

func probeNote(p domain.ProbeStatus) string {
	switch {
	case p.Faulted:
		return "FAULTED"
	case p.Degraded:
		return fmt.Sprintf("DEGRADED (%d failures: %s)", p.ConsecutiveFailures, p.LastError)
	case p.LastError != "":
		return p.LastError
	}
	return ""
}
