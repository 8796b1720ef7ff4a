package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/actmon/internal/config"
	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

func TestRangeFlags_Resolve(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name    string
		flags   rangeFlags
		want    domain.TimeRange
		wantErr bool
	}{
		{
			name:  "hours back from now",
			flags: rangeFlags{hours: 2},
			want:  domain.TimeRange{Start: now.Add(-2 * time.Hour)},
		},
		{
			name:  "zero hours is unbounded",
			flags: rangeFlags{},
			want:  domain.TimeRange{},
		},
		{
			name:  "hours back from end",
			flags: rangeFlags{end: "2024-05-01 10:00:00", hours: 1},
			want: domain.TimeRange{
				Start: time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local),
				End:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
			},
		},
		{
			name:  "explicit start wins over hours",
			flags: rangeFlags{start: "2024-04-30", hours: 5},
			want:  domain.TimeRange{Start: time.Date(2024, 4, 30, 0, 0, 0, 0, time.Local)},
		},
		{
			name:    "end before start",
			flags:   rangeFlags{start: "2024-05-02", end: "2024-05-01"},
			wantErr: true,
		},
		{
			name:    "bad time",
			flags:   rangeFlags{start: "yesterday"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.resolve(now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Start.Equal(got.Start), "start %v, want %v", got.Start, tt.want.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end %v, want %v", got.End, tt.want.End)
		})
	}
}

func TestLivePrinter_LimitsProcessesPerCycle(t *testing.T) {
	var buf bytes.Buffer
	p := &livePrinter{w: &buf, top: 2}
	now := time.Now()

	p.Submit(
		domain.ProcessSample{Timestamp: now, Name: "a", PID: 1, CPUPercent: 50},
		domain.ProcessSample{Timestamp: now, Name: "b", PID: 2, CPUPercent: 40},
		domain.ProcessSample{Timestamp: now, Name: "c", PID: 3, CPUPercent: 30},
	)
	p.Submit(domain.MemorySample{Timestamp: now, Percent: 42.5})

	out := buf.String()
	assert.Contains(t, out, "[process] a")
	assert.Contains(t, out, "[process] b")
	assert.NotContains(t, out, "[process] c")
	assert.Contains(t, out, "used=42.5%")
}

func TestFormatLive_Battery(t *testing.T) {
	line := formatLive(domain.BatterySample{Timestamp: time.Now(), Level: 73, Status: "discharging", Temperature: 31.2})
	assert.Contains(t, line, "level=73%")
	assert.Contains(t, line, "status=discharging")
}

func TestShutdownTimeout(t *testing.T) {
	cfg := config.Default()
	for _, m := range domain.AllModules() {
		cfg.Modules.SetEnabled(m, false)
	}
	cfg.Modules.SetEnabled(domain.ModuleBattery, true)
	cfg.Modules.Battery.Interval = config.Duration(time.Minute)
	cfg.Probes.StopGrace = config.Duration(5 * time.Second)
	cfg.Alerts.DeliveryTimeout = config.Duration(2 * time.Second)

	assert.Equal(t, time.Minute+12*time.Second, shutdownTimeout(cfg))
}

func TestSigned(t *testing.T) {
	assert.Equal(t, "+3s", signed(3*time.Second))
	assert.Equal(t, "-1m0s", signed(-time.Minute))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "info", parseLevel("loud").String())
}
