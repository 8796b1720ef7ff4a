package probe

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

var (
	// 03-01 12:00:01.123  1234  1250 I ActivityManager: message
	threadtimeLine = regexp.MustCompile(`^(\d{2})-(\d{2})\s+(\d{2}):(\d{2}):(\d{2})\.(\d{3})\s+(\d+)\s+(\d+)\s+([VDIWEF])\s+([^:]*?)\s*:\s?(.*)$`)
	// 03-01 12:00:01.123 I/ActivityManager( 1234): message
	timeLine = regexp.MustCompile(`^(\d{2})-(\d{2})\s+(\d{2}):(\d{2}):(\d{2})\.(\d{3})\s+([VDIWEF])/([^(]*?)\(\s*(\d+)\):\s?(.*)$`)
)

// ParseLogLine parses a log line in threadtime or time format. Lines carry no
// year; the year of now is used, or the previous one when that would put the
// entry more than a day in the future.
func ParseLogLine(line string, now time.Time) (domain.LogEntry, bool) {
	if m := threadtimeLine.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[7])
		return domain.LogEntry{
			Timestamp: logTime(m[1:7], now),
			Level:     m[9],
			Tag:       m[10],
			PID:       pid,
			Message:   m[11],
			Raw:       line,
		}, true
	}
	if m := timeLine.FindStringSubmatch(line); m != nil {
		pid, _ := strconv.Atoi(m[9])
		return domain.LogEntry{
			Timestamp: logTime(m[1:7], now),
			Level:     m[7],
			Tag:       m[8],
			PID:       pid,
			Message:   m[10],
			Raw:       line,
		}, true
	}
	return domain.LogEntry{}, false
}

// logTime builds a local time from month, day, hour, minute, second, millis.
func logTime(parts []string, now time.Time) time.Time {
	n := make([]int, len(parts))
	for i, p := range parts {
		n[i], _ = strconv.Atoi(p)
	}
	loc := now.Location()
	t := time.Date(now.Year(), time.Month(n[0]), n[1], n[2], n[3], n[4], n[5]*int(time.Millisecond), loc)
	if t.Sub(now) > 24*time.Hour {
		t = t.AddDate(-1, 0, 0)
	}
	return t
}

// LogcatArgv appends tag filters and the minimum priority to the base command.
func LogcatArgv(base, filters []string, priority string) []string {
	argv := append([]string(nil), base...)
	for _, f := range filters {
		argv = append(argv, "-s", f)
	}
	if priority != "" && priority != "V" {
		argv = append(argv, "*:"+priority)
	}
	return argv
}

// LogcatCollector turns buffered log lines into LogEntry samples.
type LogcatCollector struct {
	src    domain.LineSource
	logger *zap.Logger
	mono   monotonic
}

// NewLogcatCollector creates a collector reading src.
func NewLogcatCollector(src domain.LineSource, logger *zap.Logger) *LogcatCollector {
	return &LogcatCollector{src: src, logger: logger}
}

func (c *LogcatCollector) Module() domain.Module { return domain.ModuleLogcat }

func (c *LogcatCollector) Open(ctx context.Context) error {
	return c.src.Open(ctx)
}

// Collect parses every line buffered since the last cycle. When the stream
// has ended the parsed lines are still returned along with the error, and
// the stream is restarted.
func (c *LogcatCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	lines := c.src.Drain()
	out := make([]domain.Sample, 0, len(lines))
	unparsed := 0
	for _, line := range lines {
		e, ok := ParseLogLine(line, now)
		if !ok {
			unparsed++
			continue
		}
		e.Timestamp = c.mono.clamp(e.Timestamp, now)
		out = append(out, e)
	}
	if unparsed > 0 {
		c.logger.Debug("skipped unparsed log lines", zap.Int("count", unparsed))
	}

	if err := c.src.Err(); err != nil {
		if reopenErr := c.src.Open(ctx); reopenErr != nil {
			return out, fmt.Errorf("log stream ended (%v) and restart failed: %w", err, reopenErr)
		}
		return out, fmt.Errorf("log stream ended, restarted: %w", err)
	}
	return out, nil
}

func (c *LogcatCollector) Close() error {
	return c.src.Close()
}
