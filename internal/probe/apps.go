package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// App event types.
const (
	AppStartActivity     = "start_activity"
	AppActivityDisplayed = "activity_displayed"
	AppForceStop         = "force_stop"
	AppCrash             = "crash"
	AppANR               = "anr"
)

var appPatterns = []struct {
	eventType string
	re        *regexp.Regexp
}{
	{AppStartActivity, regexp.MustCompile(`START.*cmp=([^/\s]+)/([^\s}]+)`)},
	{AppActivityDisplayed, regexp.MustCompile(`Displayed ([^:\s]+): \+(\S+?)(?:ms)?(?:\s|$)`)},
	{AppForceStop, regexp.MustCompile(`Force stopping ([^\s]+)`)},
	{AppCrash, regexp.MustCompile(`Process ([^\s]+).*has crashed`)},
	{AppANR, regexp.MustCompile(`ANR in ([^\s]+)`)},
}

// ParseAppEvent recognises activity-manager lines. The first matching pattern
// wins. The timestamp is left zero.
func ParseAppEvent(line string) (domain.AppEvent, bool) {
	for _, p := range appPatterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch p.eventType {
		case AppStartActivity:
			return domain.AppEvent{PackageName: m[1], EventType: p.eventType, Component: m[2], Data: line}, true
		case AppActivityDisplayed:
			pkg, _, _ := strings.Cut(m[1], "/")
			return domain.AppEvent{
				PackageName: pkg,
				EventType:   p.eventType,
				Component:   m[1],
				Data:        fmt.Sprintf("Launch time: %sms", m[2]),
			}, true
		default:
			return domain.AppEvent{PackageName: m[1], EventType: p.eventType, Data: line}, true
		}
	}
	return domain.AppEvent{}, false
}

// AppsCollector turns activity-manager lines into AppEvent samples stamped
// with the cycle time.
type AppsCollector struct {
	src domain.LineSource
}

// NewAppsCollector creates a collector reading src.
func NewAppsCollector(src domain.LineSource) *AppsCollector {
	return &AppsCollector{src: src}
}

func (c *AppsCollector) Module() domain.Module { return domain.ModuleApps }

func (c *AppsCollector) Open(ctx context.Context) error {
	return c.src.Open(ctx)
}

func (c *AppsCollector) Collect(ctx context.Context, now time.Time) ([]domain.Sample, error) {
	var out []domain.Sample
	for _, line := range c.src.Drain() {
		if ev, ok := ParseAppEvent(line); ok {
			ev.Timestamp = now
			out = append(out, ev)
		}
	}
	if err := c.src.Err(); err != nil {
		if reopenErr := c.src.Open(ctx); reopenErr != nil {
			return out, fmt.Errorf("activity stream ended (%v) and restart failed: %w", err, reopenErr)
		}
		return out, fmt.Errorf("activity stream ended, restarted: %w", err)
	}
	return out, nil
}

func (c *AppsCollector) Close() error {
	return c.src.Close()
}
