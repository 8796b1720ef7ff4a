package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/eliteGoblin/focusd/actmon/internal/daemon"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
	"github.com/eliteGoblin/focusd/actmon/internal/usecase"
)

// rangeFlags selects a time range: --hours back from now, or --start/--end.
type rangeFlags struct {
	start string
	end   string
	hours float64
}

func (f *rangeFlags) register(fs *pflag.FlagSet, defaultHours float64) {
	fs.StringVar(&f.start, "start", "", "Range start (RFC3339, '2006-01-02 15:04:05' or '2006-01-02')")
	fs.StringVar(&f.end, "end", "", "Range end (same formats as --start)")
	fs.Float64Var(&f.hours, "hours", defaultHours, "Last N hours, used when --start is not set (0 means all)")
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

func (f *rangeFlags) resolve(now time.Time) (domain.TimeRange, error) {
	var r domain.TimeRange
	if f.end != "" {
		t, err := parseTime(f.end)
		if err != nil {
			return r, err
		}
		r.End = t
	}
	if f.start != "" {
		t, err := parseTime(f.start)
		if err != nil {
			return r, err
		}
		r.Start = t
	} else if f.hours > 0 {
		end := now
		if !r.End.IsZero() {
			end = r.End
		}
		r.Start = end.Add(-time.Duration(f.hours * float64(time.Hour)))
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("--end %s is before --start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return r, nil
}

// openQueryEngine opens the store read-only. The returned closer releases it.
func openQueryEngine() (*usecase.QueryEngine, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.DBPath()); err != nil {
		return nil, nil, fmt.Errorf("%w: no database at %s", domain.ErrStoreUnavailable, cfg.DBPath())
	}
	store, err := daemon.OpenStore(cfg, true, cliLogger())
	if err != nil {
		return nil, nil, err
	}
	return usecase.NewQueryEngine(store), func() { _ = store.Close() }, nil
}

// criteriaFlags binds the per-kind filters of usecase.Criteria.
func criteriaFlags(fs *pflag.FlagSet, c *usecase.Criteria) {
	fs.IntVar(&c.Limit, "limit", 100, "Maximum records (0 for no limit)")
	fs.StringVar(&c.Level, "level", "", "Log level (V, D, I, W, E, F)")
	fs.StringVar(&c.Tag, "tag", "", "Log tag contains")
	fs.StringVar(&c.Search, "search", "", "Log message contains")
	fs.StringVar(&c.Interface, "interface", "", "Network interface")
	fs.StringVar(&c.Name, "name", "", "Process name contains")
	fs.Float64Var(&c.MinCPU, "min-cpu", 0, "Minimum process CPU percent")
	fs.StringVar(&c.EventType, "event-type", "", "Filesystem or app event type")
	fs.StringVar(&c.Path, "path", "", "Filesystem path contains")
	fs.StringVar(&c.Package, "package", "", "App package contains")
	fs.StringVar(&c.Module, "module", "", "Alert module")
	fs.StringVar(&c.Severity, "severity", "", "Alert severity (INFO, WARNING, ERROR, CRITICAL)")
	fs.StringVar(&c.AlertKind, "alert-kind", "", "Alert kind, e.g. HIGH_CPU_USAGE")
}

var (
	queryRange    rangeFlags
	queryCriteria usecase.Criteria

	correlateRange  rangeFlags
	correlateA      usecase.Criteria
	correlateB      usecase.Criteria
	correlateWindow time.Duration

	drainRange  rangeFlags
	drainWindow time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query <kind>",
	Short: "Query stored records",
	Long: fmt.Sprintf(`Prints records of one kind in ascending time order.
Kinds: %s.
Filters that do not apply to the kind are ignored.`, kindList()),
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var correlateCmd = &cobra.Command{
	Use:   "correlate <kind-a> <kind-b>",
	Short: "Pair events of two kinds that happened close together",
	Long: `Reports every pair (a, b) with |time(b) - time(a)| <= --window.
Filters for the first stream use --a-* flags, for the second --b-* flags.`,
	Args: cobra.ExactArgs(2),
	RunE: runCorrelate,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Battery drain rate per window",
	Long:  `Reports the linear battery rate in percent per hour for each window. Negative means discharging.`,
	RunE:  runDrain,
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the store",
	Long:  `Shows record counts and spans per table, the busiest processes and apps, and alert counts.`,
	RunE:  runSummary,
}

func init() {
	queryRange.register(queryCmd.Flags(), 1)
	criteriaFlags(queryCmd.Flags(), &queryCriteria)

	correlateRange.register(correlateCmd.Flags(), 24)
	correlateCmd.Flags().DurationVar(&correlateWindow, "window", 5*time.Minute, "Maximum distance between paired events")
	for _, side := range []struct {
		prefix string
		c      *usecase.Criteria
	}{{"a-", &correlateA}, {"b-", &correlateB}} {
		fs := correlateCmd.Flags()
		fs.StringVar(&side.c.Name, side.prefix+"name", "", "Process name contains")
		fs.Float64Var(&side.c.MinCPU, side.prefix+"min-cpu", 0, "Minimum process CPU percent")
		fs.StringVar(&side.c.Package, side.prefix+"package", "", "App package contains")
		fs.StringVar(&side.c.EventType, side.prefix+"event-type", "", "Filesystem or app event type")
		fs.StringVar(&side.c.Tag, side.prefix+"tag", "", "Log tag contains")
		fs.StringVar(&side.c.Search, side.prefix+"search", "", "Log message contains")
		fs.StringVar(&side.c.AlertKind, side.prefix+"alert-kind", "", "Alert kind")
	}

	drainRange.register(drainCmd.Flags(), 24)
	drainCmd.Flags().DurationVar(&drainWindow, "window", time.Hour, "Window size (0 for a single window)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(correlateCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(summaryCmd)
}

func kindList() string {
	names := make([]string, 0, len(domain.AllKinds()))
	for _, k := range domain.AllKinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func runQuery(cmd *cobra.Command, args []string) error {
	kind, err := domain.ParseKind(args[0])
	if err != nil {
		return err
	}
	r, err := queryRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	c := queryCriteria
	c.Range = r
	samples, err := q.Select(cmd.Context(), kind, c)
	if err != nil {
		return err
	}

	if jsonOutput {
		if samples == nil {
			samples = []domain.Sample{}
		}
		return printJSON(samples)
	}
	printEvents(usecase.EventsOf(samples))
	fmt.Printf("\n%d %s record(s)\n", len(samples), kind)
	return nil
}

func printEvents(events []usecase.Event) {
	for _, e := range events {
		fmt.Printf("%s  %s\n", e.Time.Local().Format("2006-01-02 15:04:05"), e.Label)
	}
}

func runCorrelate(cmd *cobra.Command, args []string) error {
	kindA, err := domain.ParseKind(args[0])
	if err != nil {
		return err
	}
	kindB, err := domain.ParseKind(args[1])
	if err != nil {
		return err
	}
	r, err := correlateRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	a, b := correlateA, correlateB
	a.Range, b.Range = r, r
	pairs, err := q.CorrelateStreams(cmd.Context(),
		usecase.StreamSpec{Kind: kindA, Criteria: a},
		usecase.StreamSpec{Kind: kindB, Criteria: b},
		correlateWindow)
	if err != nil {
		return err
	}

	if jsonOutput {
		if pairs == nil {
			pairs = []usecase.Pair{}
		}
		return printJSON(pairs)
	}
	for _, p := range pairs {
		fmt.Printf("%s  %s\n  %8s  %s\n",
			p.A.Time.Local().Format("2006-01-02 15:04:05"), p.A.Label,
			signed(p.Offset.Round(time.Second)), p.B.Label)
	}
	fmt.Printf("\n%d pair(s) within %s\n", len(pairs), correlateWindow)
	return nil
}

func runDrain(cmd *cobra.Command, args []string) error {
	r, err := drainRange.resolve(time.Now())
	if err != nil {
		return err
	}
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	windows, err := q.BatteryDrain(cmd.Context(), r, drainWindow)
	if err != nil {
		return err
	}
	if jsonOutput {
		if windows == nil {
			windows = []usecase.DrainWindow{}
		}
		return printJSON(windows)
	}
	if len(windows) == 0 {
		fmt.Println("Not enough battery samples in range")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tLEVEL\tRATE (%/h)\tSAMPLES")
	for _, w := range windows {
		fmt.Fprintf(tw, "%s\t%s\t%g -> %g\t%+.2f\t%d\n",
			w.Start.Local().Format("01-02 15:04"), w.End.Local().Format("01-02 15:04"),
			w.LevelStart, w.LevelEnd, w.RatePerHour, w.Samples)
	}
	return tw.Flush()
}

func runSummary(cmd *cobra.Command, args []string) error {
	q, closeStore, err := openQueryEngine()
	if err != nil {
		return err
	}
	defer closeStore()

	s, err := q.Summary(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	printSummary(s)
	return nil
}

func printSummary(s *usecase.Summary) {
	fmt.Println("\n=== Data Summary ===")
	if !s.Start.IsZero() {
		fmt.Printf("Period: %s to %s (%.1f hours)\n",
			s.Start.Local().Format("2006-01-02 15:04:05"), s.End.Local().Format("2006-01-02 15:04:05"), s.DurationHours)
	}
	fmt.Printf("Total records: %d\n\n", s.Total)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tRECORDS\tOLDEST\tNEWEST")
	for _, t := range s.Tables {
		oldest, newest := "-", "-"
		if t.Count > 0 {
			oldest = t.Oldest.Local().Format("01-02 15:04")
			newest = t.Newest.Local().Format("01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", t.Table, t.Count, oldest, newest)
	}
	_ = tw.Flush()

	if len(s.TopCPU) > 0 {
		fmt.Println("\nTop CPU processes:")
		for _, p := range s.TopCPU {
			fmt.Printf("  %-30s %6.1f%% avg (%d samples)\n", p.Name, p.AvgCPU, p.Samples)
		}
	}
	if len(s.TopApps) > 0 {
		fmt.Println("\nMost active apps:")
		for _, a := range s.TopApps {
			fmt.Printf("  %-40s %d events\n", a.Package, a.Events)
		}
	}
	if len(s.Alerts) > 0 {
		fmt.Println("\nAlerts:")
		for _, a := range s.Alerts {
			fmt.Printf("  %-12s %-9s %d\n", a.Module, a.Severity, a.Count)
		}
	}
	fmt.Println("====================")
}

func signed(d time.Duration) string {
	if d >= 0 {
		return "+" + d.String()
	}
	return d.String()
}
