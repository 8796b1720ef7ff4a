package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/actmon/internal/usecase"
)

var analyzeRange rangeFlags

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze collected data",
	Long:  `Statistical views over a time range. Use --json for machine-readable output.`,
}

var analyzeNetworkCmd = &cobra.Command{
	Use:   "network",
	Short: "Throughput per interface",
	RunE:  runAnalyzeNetwork,
}

var analyzeProcessCmd = &cobra.Command{
	Use:   "process <name>",
	Short: "CPU and memory behaviour of one process",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyzeProcess,
}

var analyzeMemoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Memory pressure periods",
	RunE:  runAnalyzeMemory,
}

var analyzeBatteryCmd = &cobra.Command{
	Use:   "battery",
	Short: "Battery drain behaviour",
	RunE:  runAnalyzeBattery,
}

var analyzeAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Activity around each alert",
	Long:  `For every alert, lists app events, filesystem events and processes above 50% CPU within --window of it.`,
	RunE:  runAnalyzeAlerts,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Executive report: health score, top issues, recommendations",
	RunE:  runReport,
}

var (
	alertWindow time.Duration
	reportRange rangeFlags
)

func init() {
	analyzeRange.register(analyzeCmd.PersistentFlags(), 24)
	analyzeAlertsCmd.Flags().DurationVar(&alertWindow, "window", usecase.AlertContextWindow, "Distance from the alert to include")
	reportRange.register(reportCmd.Flags(), 24)

	analyzeCmd.AddCommand(analyzeNetworkCmd)
	analyzeCmd.AddCommand(analyzeProcessCmd)
	analyzeCmd.AddCommand(analyzeMemoryCmd)
	analyzeCmd.AddCommand(analyzeBatteryCmd)
	analyzeCmd.AddCommand(analyzeAlertsCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reportCmd)
}

func runAnalyzeNetwork(cmd *cobra.Command, args []string) error {
	r, err := analyzeRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	usage, err := q.NetworkUsage(cmd.Context(), r)
	if err != nil {
		return err
	}
	if jsonOutput {
		if usage == nil {
			usage = []usecase.InterfaceUsage{}
		}
		return printJSON(usage)
	}
	if len(usage) == 0 {
		fmt.Println("No network data in range")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERFACE\tSENT MB\tRECV MB\tAVG OUT kbps\tAVG IN kbps\tMAX OUT kbps\tMAX IN kbps\tERRORS")
	for _, u := range usage {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.1f\t%.1f\t%.1f\t%.1f\t%d\n",
			u.Interface, u.TotalSentMB, u.TotalRecvMB,
			u.AvgSentKbps, u.AvgRecvKbps, u.MaxSentKbps, u.MaxRecvKbps, u.TotalErrors)
	}
	return tw.Flush()
}

func runAnalyzeProcess(cmd *cobra.Command, args []string) error {
	r, err := analyzeRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := q.ProcessBehavior(cmd.Context(), args[0], r)
	if err != nil {
		return err
	}
	if rep == nil {
		if jsonOutput {
			return printJSON(nil)
		}
		fmt.Printf("No samples for process %q in range\n", args[0])
		return nil
	}
	if jsonOutput {
		return printJSON(rep)
	}

	fmt.Printf("\n=== Process: %s ===\n", rep.Name)
	fmt.Printf("Samples: %d\n", rep.Samples)
	fmt.Printf("CPU: mean %.1f%%, std %.1f, min %.1f%%, max %.1f%%, p95 %.1f%%\n",
		rep.CPU.Mean, rep.CPU.Std, rep.CPU.Min, rep.CPU.Max, rep.CPU.P95)
	fmt.Printf("Memory: mean %.1f%%, max %.1f%%\n", rep.MeanMemoryPercent, rep.MaxMemoryPercent)
	fmt.Printf("RSS: mean %.1f MB, max %.1f MB\n", rep.MeanRSSMB, rep.MaxRSSMB)
	if len(rep.Anomalies) > 0 {
		fmt.Printf("\nCPU anomalies (%d):\n", len(rep.Anomalies))
		for _, t := range rep.Anomalies {
			fmt.Printf("  %s\n", t.Local().Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func runAnalyzeMemory(cmd *cobra.Command, args []string) error {
	r, err := analyzeRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := q.MemoryPressure(cmd.Context(), r)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rep)
	}
	if rep == nil {
		fmt.Println("No memory data in range")
		return nil
	}

	fmt.Println("\n=== Memory Pressure ===")
	fmt.Printf("Samples: %d\n", rep.Total)
	fmt.Printf("Usage: average %.1f%%, max %.1f%%\n", rep.AvgPercent, rep.MaxPercent)
	fmt.Printf("High (>85%%): %d samples, critical (>95%%): %d samples\n", rep.HighSamples, rep.CriticalSamples)
	if len(rep.Periods) > 0 {
		fmt.Println("\nPressure periods:")
		for _, p := range rep.Periods {
			fmt.Printf("  %s - %s  max %.1f%%\n",
				p.Start.Local().Format("2006-01-02 15:04:05"), p.End.Local().Format(time.TimeOnly), p.MaxPercent)
		}
	}
	return nil
}

func runAnalyzeBattery(cmd *cobra.Command, args []string) error {
	r, err := analyzeRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := q.BatteryBehavior(cmd.Context(), r)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rep)
	}
	if rep == nil {
		fmt.Println("No battery discharge observed in range")
		return nil
	}

	fmt.Println("\n=== Battery Drain ===")
	fmt.Printf("Average drain: %.2f %%/h\n", rep.AvgDrainRate)
	fmt.Printf("Max drain: %.2f %%/h\n", rep.MaxDrainRate)
	fmt.Printf("Total drain: %g%% over %.1f hours\n", rep.TotalDrain, rep.DurationHours)
	if len(rep.HighDrainAt) > 0 {
		fmt.Println("\nHigh drain:")
		for i, t := range rep.HighDrainAt {
			fmt.Printf("  %s  %.2f %%/h\n", t.Local().Format("2006-01-02 15:04:05"), rep.HighDrainRate[i])
		}
	}
	return nil
}

func runAnalyzeAlerts(cmd *cobra.Command, args []string) error {
	r, err := analyzeRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	out, err := q.AlertContexts(cmd.Context(), r, alertWindow)
	if err != nil {
		return err
	}
	if jsonOutput {
		if out == nil {
			out = []usecase.AlertContext{}
		}
		return printJSON(out)
	}
	if len(out) == 0 {
		fmt.Println("No alerts with related activity in range")
		return nil
	}

	for _, c := range out {
		fmt.Printf("\n[%s] %s %s: %s\n", c.Alert.Timestamp.Local().Format("2006-01-02 15:04:05"),
			c.Alert.Severity, c.Alert.AlertKind, c.Alert.Message)
		for _, e := range c.AppEvents {
			fmt.Printf("  app   %s %s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.EventType, e.PackageName)
		}
		for _, e := range c.FileEvents {
			fmt.Printf("  file  %s %s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.EventType, e.Path)
		}
		for _, p := range c.HighCPU {
			fmt.Printf("  cpu   %s %s %.1f%%\n", p.Timestamp.Local().Format(time.TimeOnly), p.Name, p.CPUPercent)
		}
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	now := time.Now()
	r, err := reportRange.resolve(now)
	if err != nil {
		return err
	}
	if r.End.IsZero() {
		r.End = now
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := q.Report(cmd.Context(), r.Start, r.End)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rep)
	}

	fmt.Println("\n=== Activity Report ===")
	fmt.Printf("Period: %s to %s (%.1f hours)\n",
		rep.Start.Local().Format("2006-01-02 15:04"), rep.End.Local().Format("2006-01-02 15:04"), rep.DurationHours)
	fmt.Printf("Health score: %.0f/100\n", rep.HealthScore)
	fmt.Println("\nKey metrics:")
	fmt.Printf("  Average CPU: %.1f%%\n", rep.Metrics.AvgCPU)
	fmt.Printf("  Average memory: %.1f%%\n", rep.Metrics.AvgMemory)
	fmt.Printf("  Network traffic: %.2f GB\n", rep.Metrics.TotalNetworkGB)
	fmt.Printf("  Battery drain: %g%%\n", rep.Metrics.BatteryDrain)

	if len(rep.TopIssues) > 0 {
		fmt.Println("\nTop issues:")
		for _, is := range rep.TopIssues {
			switch is.Type {
			case usecase.IssueHighCPU:
				fmt.Printf("  [%s] %s: %s averaged %.1f%% CPU (%d times)\n", is.Severity, is.Type, is.Process, is.AvgCPU, is.Occurrences)
			case usecase.IssueAlert:
				fmt.Printf("  [%s] %s: %s %s (%d times)\n", is.Severity, is.Type, is.Module, is.Message, is.Occurrences)
			default:
				fmt.Printf("  [%s] %s (%d samples)\n", is.Severity, is.Type, is.Occurrences)
			}
		}
	}
	if len(rep.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range rep.Recommendations {
			fmt.Printf("  - %s\n", rec)
		}
	}
	fmt.Println("=======================")
	return nil
}
