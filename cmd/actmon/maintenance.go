package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/actmon/internal/daemon"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/infra"
	"github.com/eliteGoblin/focusd/actmon/internal/usecase"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete records older than the retention period",
	Long: `Deletes every record older than --days (default: storage.retention_days) and
reclaims space. With --archive the records are first written to a zip of
JSON-lines files with a .sha256 sidecar.`,
	RunE: runCleanup,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records to CSV",
	Long:  `Writes one <table>.csv per record kind into --dir.`,
	RunE:  runExport,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var (
	cleanupDays       int
	cleanupArchive    bool
	cleanupArchiveDir string

	exportDir   string
	exportKinds []string
	exportRange rangeFlags
)

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Keep this many days (0 uses storage.retention_days)")
	cleanupCmd.Flags().BoolVar(&cleanupArchive, "archive", false, "Archive records before deleting them")
	cleanupCmd.Flags().StringVar(&cleanupArchiveDir, "archive-dir", "", "Archive directory (default <output_dir>/archives)")

	exportCmd.Flags().StringVar(&exportDir, "dir", ".", "Destination directory")
	exportCmd.Flags().StringSliceVar(&exportKinds, "kind", nil, "Kinds to export (default all)")
	exportRange.register(exportCmd.Flags(), 0)

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	days := cleanupDays
	if days <= 0 {
		days = cfg.Storage.RetentionDays
	}
	if days <= 0 {
		return fmt.Errorf("retention is disabled; pass --days")
	}

	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	store, err := daemon.OpenStore(cfg, false, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	cutoff := time.Now().AddDate(0, 0, -days)

	if cleanupArchive {
		dir := cleanupArchiveDir
		if dir == "" {
			dir = filepath.Join(cfg.General.OutputDir, "archives")
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create archive directory: %w", err)
		}
		dst := filepath.Join(dir, fmt.Sprintf("actmon_%s.zip", cutoff.Format("20060102_150405")))
		manifest, err := infra.NewArchiver(store, Version, logger).WriteBefore(ctx, dst, cutoff)
		if err != nil {
			return fmt.Errorf("failed to archive: %w", err)
		}
		total := 0
		for _, n := range manifest.Counts {
			total += n
		}
		fmt.Printf("Archived %d records to %s\n", total, dst)
	}

	deleted, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete old records: %w", err)
	}
	logger.Debug("cleanup finished", zap.Time("cutoff", cutoff), zap.Any("deleted", deleted))

	if jsonOutput {
		return printJSON(map[string]any{"cutoff": cutoff, "deleted": deleted})
	}
	var total int64
	kinds := make([]string, 0, len(deleted))
	for k, n := range deleted {
		total += n
		if n > 0 {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
	}
	sort.Strings(kinds)
	fmt.Printf("Deleted %d records older than %s", total, cutoff.Local().Format("2006-01-02 15:04"))
	if len(kinds) > 0 {
		fmt.Printf(" (%s)", strings.Join(kinds, ", "))
	}
	fmt.Println()
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	var kinds []domain.Kind
	for _, name := range exportKinds {
		k, err := domain.ParseKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, k)
	}
	r, err := exportRange.resolve(time.Now())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg, true, cliLogger())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	paths, err := infra.ExportCSV(cmd.Context(), store, exportDir, r, kinds)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(paths)
	}
	written := make([]string, 0, len(paths))
	for _, p := range paths {
		written = append(written, p)
	}
	sort.Strings(written)
	for _, p := range written {
		fmt.Printf("Exported %s\n", p)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, mode, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := usecase.RulesFromConfig(cfg.Alerts); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	fmt.Println("Configuration OK")
	fmt.Printf("Mode: %s\n", mode.Mode)
	fmt.Printf("Output directory: %s\n", cfg.General.OutputDir)
	fmt.Printf("Encrypted store: %t\n", cfg.General.Encrypt)
	fmt.Println("Modules:")
	for _, m := range domain.AllModules() {
		if cfg.Modules.Enabled(m) {
			fmt.Printf("  %-10s every %s\n", m, cfg.Modules.Interval(m))
		} else {
			fmt.Printf("  %-10s disabled\n", m)
		}
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Actions.Email.Password != "" {
		cfg.Actions.Email.Password = "********"
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
