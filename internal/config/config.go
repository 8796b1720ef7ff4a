// Package config loads and validates the collector configuration.
//
// A Config is built once at startup (defaults, then YAML file, then preset and
// CLI overrides), validated, and then passed by value into every component.
// Nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// Duration is a time.Duration that unmarshals from either a number of seconds
// (`interval: 10`) or a Go duration string (`interval: 1m30s`).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs float64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: invalid duration", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func seconds(n int) Duration { return Duration(time.Duration(n) * time.Second) }

// Config is the full collector configuration.
type Config struct {
	General GeneralConfig `yaml:"general"`
	Storage StorageConfig `yaml:"storage"`
	Probes  ProbesConfig  `yaml:"probes"`
	Modules ModulesConfig `yaml:"modules"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Actions ActionsConfig `yaml:"actions"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type GeneralConfig struct {
	OutputDir string `yaml:"output_dir"`
	DBName    string `yaml:"db_name"`
	LogLevel  string `yaml:"log_level"`
	Encrypt   bool   `yaml:"encrypt"`
}

type StorageConfig struct {
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	RetentionDays int      `yaml:"retention_days"`
	BusyTimeout   Duration `yaml:"busy_timeout"`
}

type ProbesConfig struct {
	GuardInterval     Duration `yaml:"guard_interval"`
	StopGrace         Duration `yaml:"stop_grace"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	DegradedAfter     int      `yaml:"degraded_after"`
}

// ModuleConfig is embedded by every module section.
type ModuleConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

type LogcatConfig struct {
	ModuleConfig `yaml:",inline"`
	BufferSize   int      `yaml:"buffer_size"`
	Filters      []string `yaml:"filters"`
	Priority     string   `yaml:"priority"`
	Command      []string `yaml:"command"`
}

type NetworkConfig struct {
	ModuleConfig       `yaml:",inline"`
	Interfaces         []string `yaml:"interfaces"`
	CaptureConnections bool     `yaml:"capture_connections"`
}

type ProcessConfig struct {
	ModuleConfig `yaml:",inline"`
	TopN         int  `yaml:"top_n"`
	TrackThreads bool `yaml:"track_threads"`
}

type MemoryConfig struct {
	ModuleConfig `yaml:",inline"`
	Detailed     bool `yaml:"detailed"`
}

type BatteryConfig struct {
	ModuleConfig `yaml:",inline"`
	Command      []string `yaml:"command"`
	SysfsPath    string   `yaml:"sysfs_path"`
}

type FilesystemConfig struct {
	ModuleConfig `yaml:",inline"`
	WatchPaths   []string `yaml:"watch_paths"`
	Recursive    bool     `yaml:"recursive"`
	Realtime     bool     `yaml:"realtime"`
}

type AppsConfig struct {
	ModuleConfig `yaml:",inline"`
	BufferSize   int      `yaml:"buffer_size"`
	Command      []string `yaml:"command"`
}

type ModulesConfig struct {
	Logcat     LogcatConfig     `yaml:"logcat"`
	Network    NetworkConfig    `yaml:"network"`
	Process    ProcessConfig    `yaml:"process"`
	Memory     MemoryConfig     `yaml:"memory"`
	Battery    BatteryConfig    `yaml:"battery"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
	Apps       AppsConfig       `yaml:"apps"`
}

// RuleConfig declares an extra threshold rule.
type RuleConfig struct {
	Kind      string  `yaml:"kind"`
	Module    string  `yaml:"module"`
	Field     string  `yaml:"field"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

type AlertsConfig struct {
	CPUThreshold     float64      `yaml:"cpu_threshold"`
	MemoryThreshold  float64      `yaml:"memory_threshold"`
	BatteryThreshold float64      `yaml:"battery_threshold"`
	NetworkThreshold float64      `yaml:"network_threshold"`
	Cooldown         Duration     `yaml:"cooldown"`
	QueueSize        int          `yaml:"queue_size"`
	DeliveryTimeout  Duration     `yaml:"delivery_timeout"`
	Rules            []RuleConfig `yaml:"rules"`
}

type CommandActionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Argv    []string `yaml:"argv"`
}

type WebhookActionConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

type EmailActionConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type RedisActionConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
	ListKey string `yaml:"list_key"`
	MaxLen  int64  `yaml:"max_len"`
}

type ActionsConfig struct {
	Command CommandActionConfig `yaml:"command"`
	Webhook WebhookActionConfig `yaml:"webhook"`
	Email   EmailActionConfig   `yaml:"email"`
	Redis   RedisActionConfig   `yaml:"redis"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration. OutputDir is left empty; the
// caller fills it from the execution mode before validating.
func Default() Config {
	return Config{
		General: GeneralConfig{
			DBName:   "monitor_data.db",
			LogLevel: "info",
			Encrypt:  true,
		},
		Storage: StorageConfig{
			BatchSize:     100,
			FlushInterval: seconds(5),
			RetentionDays: 30,
			BusyTimeout:   seconds(5),
		},
		Probes: ProbesConfig{
			GuardInterval:     seconds(1),
			StopGrace:         seconds(5),
			HeartbeatInterval: seconds(30),
			DegradedAfter:     3,
		},
		Modules: ModulesConfig{
			Logcat: LogcatConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(5)},
				BufferSize:   1000,
				Priority:     "V",
				Command:      []string{"logcat", "-v", "threadtime"},
			},
			Network: NetworkConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(5)},
			},
			Process: ProcessConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(10)},
				TopN:         20,
				TrackThreads: true,
			},
			Memory: MemoryConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(30)},
				Detailed:     true,
			},
			Battery: BatteryConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(60)},
				Command:      []string{"dumpsys", "battery"},
				SysfsPath:    "/sys/class/power_supply",
			},
			Filesystem: FilesystemConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(5)},
				WatchPaths: []string{
					"/data/data/com.termux/files/home",
					"/sdcard/Download",
					"/sdcard/DCIM",
				},
				Recursive: true,
			},
			Apps: AppsConfig{
				ModuleConfig: ModuleConfig{Enabled: true, Interval: seconds(5)},
				BufferSize:   1000,
				Command:      []string{"logcat", "-v", "time", "ActivityManager:I", "*:S"},
			},
		},
		Alerts: AlertsConfig{
			CPUThreshold:     80,
			MemoryThreshold:  85,
			BatteryThreshold: 20,
			NetworkThreshold: 100,
			QueueSize:        256,
			DeliveryTimeout:  seconds(5),
		},
		Actions: ActionsConfig{
			Command: CommandActionConfig{
				Argv: []string{
					"termux-notification",
					"-t", "Monitor Alert: {kind}",
					"-c", "{message}",
					"--priority", "high",
				},
			},
			Email: EmailActionConfig{Port: 587},
			Redis: RedisActionConfig{Channel: "actmon:alerts", MaxLen: 1000},
		},
	}
}

// Load reads a YAML file on top of the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// DBPath returns the full path of the sample database.
func (c Config) DBPath() string {
	if filepath.IsAbs(c.General.DBName) {
		return c.General.DBName
	}
	return filepath.Join(c.General.OutputDir, c.General.DBName)
}

// LogPath returns the collector log file path.
func (c Config) LogPath() string {
	return filepath.Join(c.General.OutputDir, "monitor.log")
}

// Enabled reports whether a module is enabled.
func (m ModulesConfig) Enabled(mod domain.Module) bool {
	if base := m.base(mod); base != nil {
		return base.Enabled
	}
	return false
}

// Interval returns a module's collection interval.
func (m ModulesConfig) Interval(mod domain.Module) time.Duration {
	if base := m.base(mod); base != nil {
		return base.Interval.Std()
	}
	return 0
}

// EnabledModules returns the enabled modules in AllModules order.
func (m ModulesConfig) EnabledModules() []domain.Module {
	var out []domain.Module
	for _, mod := range domain.AllModules() {
		if m.Enabled(mod) {
			out = append(out, mod)
		}
	}
	return out
}

// SetEnabled toggles a module.
func (m *ModulesConfig) SetEnabled(mod domain.Module, enabled bool) {
	if base := m.base(mod); base != nil {
		base.Enabled = enabled
	}
}

func (m *ModulesConfig) base(mod domain.Module) *ModuleConfig {
	switch mod {
	case domain.ModuleLogcat:
		return &m.Logcat.ModuleConfig
	case domain.ModuleNetwork:
		return &m.Network.ModuleConfig
	case domain.ModuleProcess:
		return &m.Process.ModuleConfig
	case domain.ModuleMemory:
		return &m.Memory.ModuleConfig
	case domain.ModuleBattery:
		return &m.Battery.ModuleConfig
	case domain.ModuleFilesystem:
		return &m.Filesystem.ModuleConfig
	case domain.ModuleApps:
		return &m.Apps.ModuleConfig
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validOps = map[string]bool{">": true, ">=": true, "<": true, "<=": true}

// Validate checks the configuration and returns every problem found.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.General.OutputDir == "" {
		add("general.output_dir is required")
	}
	if c.General.DBName == "" {
		add("general.db_name is required")
	}
	if !validLogLevels[strings.ToLower(c.General.LogLevel)] {
		add("general.log_level %q must be one of debug, info, warn, error", c.General.LogLevel)
	}

	if c.Storage.BatchSize <= 0 {
		add("storage.batch_size must be positive")
	}
	if c.Storage.FlushInterval <= 0 {
		add("storage.flush_interval must be positive")
	}
	if c.Storage.RetentionDays < 0 {
		add("storage.retention_days must not be negative")
	}

	if c.Probes.GuardInterval <= 0 {
		add("probes.guard_interval must be positive")
	}
	if c.Probes.StopGrace < 0 {
		add("probes.stop_grace must not be negative")
	}
	if c.Probes.HeartbeatInterval <= 0 {
		add("probes.heartbeat_interval must be positive")
	}
	if c.Probes.DegradedAfter <= 0 {
		add("probes.degraded_after must be positive")
	}

	for _, mod := range domain.AllModules() {
		if c.Modules.Enabled(mod) && c.Modules.Interval(mod) <= 0 {
			add("modules.%s.interval must be positive", mod)
		}
	}
	if c.Modules.Logcat.Enabled {
		if c.Modules.Logcat.BufferSize <= 0 {
			add("modules.logcat.buffer_size must be positive")
		}
		if len(c.Modules.Logcat.Command) == 0 {
			add("modules.logcat.command is required")
		}
		if !strings.Contains("VDIWEFS", c.Modules.Logcat.Priority) || len(c.Modules.Logcat.Priority) != 1 {
			add("modules.logcat.priority %q must be one of V, D, I, W, E, F, S", c.Modules.Logcat.Priority)
		}
	}
	if c.Modules.Apps.Enabled && len(c.Modules.Apps.Command) == 0 {
		add("modules.apps.command is required")
	}
	if c.Modules.Process.Enabled && c.Modules.Process.TopN <= 0 {
		add("modules.process.top_n must be positive")
	}
	if c.Modules.Filesystem.Enabled && len(c.Modules.Filesystem.WatchPaths) == 0 {
		add("modules.filesystem.watch_paths must not be empty")
	}

	if c.Alerts.CPUThreshold < 0 {
		add("alerts.cpu_threshold must not be negative")
	}
	if c.Alerts.MemoryThreshold < 0 || c.Alerts.MemoryThreshold > 100 {
		add("alerts.memory_threshold must be within 0-100")
	}
	if c.Alerts.BatteryThreshold < 0 || c.Alerts.BatteryThreshold > 100 {
		add("alerts.battery_threshold must be within 0-100")
	}
	if c.Alerts.NetworkThreshold < 0 {
		add("alerts.network_threshold must not be negative")
	}
	if c.Alerts.Cooldown < 0 {
		add("alerts.cooldown must not be negative")
	}
	if c.Alerts.QueueSize <= 0 {
		add("alerts.queue_size must be positive")
	}
	for i, r := range c.Alerts.Rules {
		if r.Kind == "" || r.Field == "" {
			add("alerts.rules[%d]: kind and field are required", i)
		}
		if _, err := domain.ParseModule(r.Module); err != nil {
			add("alerts.rules[%d]: %v", i, err)
		}
		if !validOps[r.Op] {
			add("alerts.rules[%d]: op %q must be one of >, >=, <, <=", i, r.Op)
		}
		if r.Severity != "" {
			if _, err := domain.ParseSeverity(r.Severity); err != nil {
				add("alerts.rules[%d]: %v", i, err)
			}
		}
	}

	if c.Actions.Command.Enabled && len(c.Actions.Command.Argv) == 0 {
		add("actions.command.argv is required when enabled")
	}
	if c.Actions.Email.Host != "" && (c.Actions.Email.From == "" || len(c.Actions.Email.To) == 0) {
		add("actions.email requires from and to")
	}
	if c.Actions.Redis.URL != "" && c.Actions.Redis.Channel == "" && c.Actions.Redis.ListKey == "" {
		add("actions.redis requires channel or list_key")
	}

	return errors.Join(errs...)
}
