// Package daemon runs the collector: it wires the probes, the batch writer and
// the alert pipeline together and keeps the collector registry current.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/metrics"
	"github.com/eliteGoblin/focusd/actmon/internal/probe"
	"github.com/eliteGoblin/focusd/actmon/internal/usecase"
)

// RegistryVersion is written into every registry entry.
const RegistryVersion = 1

// Options holds everything the orchestrator needs. Registry, Sinks, Metrics
// and Logger may be nil.
type Options struct {
	Config     config.Config
	Store      domain.SampleStore
	Registry   domain.CollectorRegistry
	Deps       probe.Deps
	Factory    *probe.Factory
	Sinks      []domain.ActionSink
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	AppVersion string
	Mode       string
}

// Orchestrator owns the lifecycle of one collector run.
type Orchestrator struct {
	opts   Options
	rules  []usecase.Rule
	logger *zap.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	probes     []probe.Probe
	writer     *usecase.Writer
	dispatcher *usecase.Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

// New validates the alert rules and returns a stopped orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: no store", domain.ErrStoreUnavailable)
	}
	if opts.Factory == nil {
		opts.Factory = probe.NewFactory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	rules, err := usecase.RulesFromConfig(opts.Config.Alerts)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		opts:   opts,
		rules:  rules,
		logger: opts.Logger,
	}, nil
}

// Start builds and starts every enabled probe along with the writer, the
// dispatcher and the heartbeat loop. A probe that cannot be built or opened is
// logged and left out; the others keep running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return domain.ErrOrchestratorClosed
	}
	if o.started {
		return nil
	}

	cfg := o.opts.Config
	m := o.opts.Metrics

	o.writer = usecase.NewWriter(o.opts.Store, usecase.WriterConfig{
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval.Std(),
	}, o.logger.Named("writer"), m)

	o.dispatcher = usecase.NewDispatcher(o.opts.Sinks,
		cfg.Alerts.QueueSize, cfg.Alerts.DeliveryTimeout.Std(), o.logger.Named("dispatcher"), m)

	alerter := usecase.NewAlerter(o.rules, o.opts.Store, o.dispatcher,
		cfg.Alerts.Cooldown.Std(), o.logger.Named("alerter"), m)
	o.writer.AddFlushHook(alerter.OnFlush)

	o.writer.Start()
	o.dispatcher.Start()

	for _, mod := range cfg.Modules.EnabledModules() {
		c, err := o.opts.Factory.Build(mod, cfg, o.opts.Deps, o.logger)
		if err != nil {
			o.logger.Error("failed to build probe", zap.String("module", string(mod)), zap.Error(err))
			continue
		}
		r := probe.NewRunner(c, o.writer, probe.RunnerConfigFor(mod, cfg), o.logger, m)
		if err := r.Start(ctx); err != nil {
			o.logger.Error("failed to start probe", zap.String("module", string(mod)), zap.Error(err))
		}
		o.probes = append(o.probes, r)
	}

	o.register()

	hbCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.heartbeat(hbCtx, cfg.Probes.HeartbeatInterval.Std(), o.done)

	o.started = true
	o.logger.Info("collector started",
		zap.Int("probes", len(o.probes)),
		zap.String("db", o.opts.Store.Path()))
	return nil
}

func (o *Orchestrator) register() {
	if o.opts.Registry == nil {
		return
	}
	now := time.Now().Unix()
	info := domain.CollectorInfo{
		Version:       RegistryVersion,
		PID:           os.Getpid(),
		StartedAt:     now,
		LastHeartbeat: now,
		DBPath:        o.opts.Store.Path(),
		AppVersion:    o.opts.AppVersion,
		Mode:          o.opts.Mode,
		Probes:        o.statusLocked(),
	}
	if err := o.opts.Registry.Register(info); err != nil {
		o.logger.Warn("failed to register collector", zap.Error(err))
	}
}

func (o *Orchestrator) heartbeat(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	if o.opts.Registry == nil {
		<-ctx.Done()
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.opts.Registry.Heartbeat(o.Status()); err != nil {
				o.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// Stop stops every probe concurrently, flushes the writer, drains the
// dispatcher, closes the store and clears the registry. Errors from each step
// are joined; later steps run regardless.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.closed || !o.started {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	// the heartbeat loop reads Status, so it must exit before anything is torn down
	cancel()
	<-done

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, p := range o.probes {
		wg.Add(1)
		go func(p probe.Probe) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if err := o.writer.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush writer: %w", err))
	}
	if err := o.dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain alert queue: %w", err))
	}
	if err := o.opts.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if o.opts.Registry != nil {
		if err := o.opts.Registry.Clear(); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear registry: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		o.logger.Error("collector stopped with errors", zap.Error(err))
	} else {
		o.logger.Info("collector stopped")
	}
	return err
}

// Status returns the status of every probe. It has no side effects.
func (o *Orchestrator) Status() []domain.ProbeStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Orchestrator) statusLocked() []domain.ProbeStatus {
	out := make([]domain.ProbeStatus, 0, len(o.probes))
	for _, p := range o.probes {
		out = append(out, p.Status())
	}
	return out
}

// Run starts the orchestrator, blocks until ctx is cancelled, then stops it
// with a fresh context bounded by timeout.
func (o *Orchestrator) Run(ctx context.Context, timeout time.Duration) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	o.logger.Info("collector stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return o.Stop(stopCtx)
}
