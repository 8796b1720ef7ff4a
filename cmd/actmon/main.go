// Package main is the CLI entry point for actmon.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "actmon",
	Short: "Device activity monitor",
	Long: `actmon samples system logs, network, processes, memory, battery,
filesystem changes and app lifecycle events into an encrypted local store,
raises threshold alerts, and answers queries over the collected data.`,
	Version:      Version,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Global flags.
var (
	configPath string
	presetName string
	outputDir  string
	disabled   []string
	jsonOutput bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Configuration file (YAML)")
	pf.StringVar(&presetName, "preset", "", fmt.Sprintf("Configuration preset %v", config.Presets()))
	pf.StringVarP(&outputDir, "output-dir", "o", "", "Directory for the database, key, registry and log")
	pf.StringSliceVar(&disabled, "disable", nil, "Modules to disable (repeatable)")
	pf.BoolVar(&jsonOutput, "json", false, "Machine-readable JSON output")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig builds the configuration: defaults, file, preset, then flags.
// The result is validated.
func loadConfig() (config.Config, *infra.ExecModeConfig, error) {
	mode := infra.DetectExecMode()

	path := configPath
	if path == "" {
		if _, err := os.Stat(mode.ConfigPath); err == nil {
			path = mode.ConfigPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, mode, err
	}
	if err := cfg.ApplyPreset(presetName); err != nil {
		return cfg, mode, err
	}
	if outputDir != "" {
		cfg.General.OutputDir = outputDir
	}
	if cfg.General.OutputDir == "" {
		cfg.General.OutputDir = mode.DataDir
	}
	cfg.General.OutputDir = infra.ExpandHome(cfg.General.OutputDir, infra.GetRealUserHome())
	for _, name := range disabled {
		mod, err := domain.ParseModule(name)
		if err != nil {
			return cfg, mode, err
		}
		cfg.Modules.SetEnabled(mod, false)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, mode, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, mode, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("actmon %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
