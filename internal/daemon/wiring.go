package daemon

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
	"github.com/eliteGoblin/focusd/actmon/internal/probe"
)

// HostDeps returns the probe dependencies backed by the host OS.
func HostDeps(cfg config.Config, logger *zap.Logger) probe.Deps {
	bc := cfg.Modules.Battery
	return probe.Deps{
		Processes:   infra.NewProcessSampler(),
		Memory:      infra.MemoryStat{Detailed: cfg.Modules.Memory.Detailed},
		Network:     infra.NetStat{},
		Connections: infra.NetStat{},
		Battery:     infra.NewBatteryReader(bc.Command, bc.SysfsPath, infra.ExecRunner),
		Lines: func(argv []string, capacity int) domain.LineSource {
			return infra.NewCommandLineSource(argv, capacity, logger)
		},
		Files: func(fc config.FilesystemConfig) domain.FileChangeSource {
			opts := infra.ScannerOptions{Paths: fc.WatchPaths, Recursive: fc.Recursive}
			if fc.Realtime {
				return infra.NewNotifySource(opts, 0, logger)
			}
			return infra.NewSnapshotScanner(opts, logger)
		},
	}
}

// OpenStore opens the configured sample database. With encryption enabled the
// key is read from the output directory, and created there unless readOnly.
func OpenStore(cfg config.Config, readOnly bool, logger *zap.Logger) (*infra.Store, error) {
	opts := infra.StoreOptions{
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
		ReadOnly:    readOnly,
	}
	if cfg.General.Encrypt {
		kp := infra.NewFileKeyProvider(cfg.General.OutputDir)
		var (
			key []byte
			err error
		)
		if readOnly {
			key, err = kp.GetKey()
		} else {
			key, err = infra.EnsureKey(kp)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		opts.Key = key
	}
	return infra.OpenStore(cfg.DBPath(), opts, logger)
}

// BuildSinks creates the action sinks enabled in cfg. The returned closer
// releases sink connections.
func BuildSinks(cfg config.ActionsConfig) ([]domain.ActionSink, func() error, error) {
	var (
		sinks   []domain.ActionSink
		closers []func() error
	)
	if cfg.Command.Enabled && len(cfg.Command.Argv) > 0 {
		sinks = append(sinks, infra.NewCommandSink(cfg.Command.Argv))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, infra.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Headers, nil))
	}
	if e := cfg.Email; e.Host != "" && len(e.To) > 0 {
		sinks = append(sinks, infra.NewEmailSink(e.Host, e.Port, e.Username, e.Password, e.From, e.To, nil))
	}
	if r := cfg.Redis; r.URL != "" {
		rs, err := infra.NewRedisSink(r.URL, r.Channel, r.ListKey, r.MaxLen)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, rs)
		closers = append(closers, rs.Close)
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return sinks, closeAll, nil
}
