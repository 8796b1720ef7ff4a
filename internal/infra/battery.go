package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

const batteryCommandTimeout = 5 * time.Second

// CommandRunner runs argv and returns its stdout.
type CommandRunner func(ctx context.Context, argv []string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// BatteryReader implements domain.BatterySampler. It asks the platform battery
// service first and falls back to the kernel power_supply class.
type BatteryReader struct {
	command   []string
	sysfsPath string
	run       CommandRunner
}

// NewBatteryReader creates a BatteryReader. An empty command skips the
// battery service; an empty sysfsPath skips the fallback.
func NewBatteryReader(command []string, sysfsPath string, run CommandRunner) *BatteryReader {
	if run == nil {
		run = ExecRunner
	}
	return &BatteryReader{command: command, sysfsPath: sysfsPath, run: run}
}

// Battery returns the current battery state.
func (b *BatteryReader) Battery(ctx context.Context) (domain.BatterySample, error) {
	var cmdErr error
	if len(b.command) > 0 {
		runCtx, cancel := context.WithTimeout(ctx, batteryCommandTimeout)
		out, err := b.run(runCtx, b.command)
		cancel()
		if err == nil {
			if s, ok := ParseDumpsysBattery(out); ok {
				return s, nil
			}
			cmdErr = fmt.Errorf("%s: no battery level in output", b.command[0])
		} else {
			cmdErr = fmt.Errorf("%s: %w", b.command[0], err)
		}
	}

	if b.sysfsPath != "" {
		s, err := ReadSysfsBattery(b.sysfsPath)
		if err == nil {
			return s, nil
		}
		return domain.BatterySample{}, errors.Join(cmdErr, err)
	}
	if cmdErr == nil {
		cmdErr = errors.New("no battery source configured")
	}
	return domain.BatterySample{}, cmdErr
}

var batteryStatusCodes = map[string]string{
	"1": "unknown",
	"2": "charging",
	"3": "discharging",
	"4": "not charging",
	"5": "full",
}

var batteryHealthCodes = map[string]string{
	"1": "unknown",
	"2": "good",
	"3": "overheat",
	"4": "dead",
	"5": "over voltage",
	"6": "failure",
	"7": "cold",
}

// ParseDumpsysBattery parses `dumpsys battery` output. ok is false when no
// level line was found. Temperature is reported in tenths of a degree and
// voltage in millivolts.
func ParseDumpsysBattery(out []byte) (domain.BatterySample, bool) {
	var (
		s        domain.BatterySample
		level    = -1.0
		scale    = 100.0
		hasLevel bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "level":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				level, hasLevel = v, true
			}
		case "scale":
			if v, err := strconv.ParseFloat(value, 64); err == nil && v > 0 {
				scale = v
			}
		case "status":
			s.Status = lookupCode(batteryStatusCodes, value)
		case "health":
			s.Health = lookupCode(batteryHealthCodes, value)
		case "temperature":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				s.Temperature = v / 10
			}
		case "voltage":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				s.Voltage = v / 1000
			}
		case "technology":
			s.Technology = value
		}
	}
	if !hasLevel {
		return domain.BatterySample{}, false
	}
	s.Level = level * 100 / scale
	return s, true
}

func lookupCode(codes map[string]string, v string) string {
	if name, ok := codes[v]; ok {
		return name
	}
	return strings.ToLower(v)
}

// ReadSysfsBattery reads the first supply of type Battery under root
// (normally /sys/class/power_supply).
func ReadSysfsBattery(root string) (domain.BatterySample, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return domain.BatterySample{}, fmt.Errorf("failed to read %s: %w", root, err)
	}
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		if readTrim(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		capacity, err := strconv.ParseFloat(readTrim(filepath.Join(dir, "capacity")), 64)
		if err != nil {
			continue
		}
		s := domain.BatterySample{
			Level:      capacity,
			Status:     strings.ToLower(readTrim(filepath.Join(dir, "status"))),
			Health:     strings.ToLower(readTrim(filepath.Join(dir, "health"))),
			Technology: readTrim(filepath.Join(dir, "technology")),
		}
		if v, err := strconv.ParseFloat(readTrim(filepath.Join(dir, "temp")), 64); err == nil {
			s.Temperature = v / 10
		}
		if v, err := strconv.ParseFloat(readTrim(filepath.Join(dir, "voltage_now")), 64); err == nil {
			s.Voltage = v / 1e6
		}
		return s, nil
	}
	return domain.BatterySample{}, fmt.Errorf("no battery under %s", root)
}

func readTrim(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

var _ domain.BatterySampler = (*BatteryReader)(nil)
