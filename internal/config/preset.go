package config

import (
	"fmt"
	"sort"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

var presets = map[string]func(*Config){
	"standard": func(*Config) {},

	"minimal": func(c *Config) {
		c.Modules.Logcat.Enabled = false
		c.Modules.Filesystem.Enabled = false
		c.Modules.Process.Interval = seconds(30)
		c.Modules.Network.Interval = seconds(30)
		c.Modules.Memory.Interval = seconds(60)
	},

	"performance": func(c *Config) {
		c.Modules.Filesystem.Enabled = false
		c.Modules.Process.TopN = 50
		c.Modules.Process.Interval = seconds(5)
		c.Modules.Memory.Detailed = true
	},

	"security": func(c *Config) {
		c.Modules.Logcat.Filters = []string{"AuthService:*", "PackageManager:*", "ActivityManager:*"}
		c.Modules.Network.CaptureConnections = true
		c.Modules.Filesystem.Recursive = true
	},

	"full": func(c *Config) {
		for _, m := range domain.AllModules() {
			c.Modules.SetEnabled(m, true)
		}
		c.Modules.Memory.Detailed = true
		c.Modules.Network.CaptureConnections = true
	},
}

// Presets returns the known preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset adjusts the configuration in place. An empty name is a no-op.
func (c *Config) ApplyPreset(name string) error {
	if name == "" {
		return nil
	}
	apply, ok := presets[name]
	if !ok {
		return fmt.Errorf("unknown preset %q (known: %v)", name, Presets())
	}
	apply(c)
	return nil
}
