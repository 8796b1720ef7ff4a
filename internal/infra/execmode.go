package infra

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// ExecMode represents where the collector keeps its data.
type ExecMode string

const (
	// ExecModeTermux runs inside the Termux app sandbox on Android.
	ExecModeTermux ExecMode = "termux"
	// ExecModeUser runs as a regular user on a Linux host.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root.
	ExecModeSystem ExecMode = "system"
)

const termuxHome = "/data/data/com.termux/files/home"

// ExecModeConfig holds paths derived from the execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	DataDir    string // default output directory (database, key, registry, log)
	ConfigPath string // default configuration file
	IsRoot     bool
}

// DetectExecMode determines the execution mode from the environment and
// effective UID.
func DetectExecMode() *ExecModeConfig {
	return detectExecMode(os.Getenv, os.Geteuid())
}

func detectExecMode(getenv func(string) string, euid int) *ExecModeConfig {
	if isTermux(getenv) {
		home := getenv("HOME")
		if home == "" {
			home = termuxHome
		}
		dataDir := filepath.Join(home, "android_monitor")
		return &ExecModeConfig{
			Mode:       ExecModeTermux,
			DataDir:    dataDir,
			ConfigPath: filepath.Join(dataDir, "actmon.yaml"),
			IsRoot:     euid == 0,
		}
	}

	if euid == 0 {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			DataDir:    "/var/lib/actmon",
			ConfigPath: "/etc/actmon/actmon.yaml",
			IsRoot:     true,
		}
	}

	home := getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		DataDir:    filepath.Join(home, ".actmon"),
		ConfigPath: filepath.Join(home, ".actmon", "actmon.yaml"),
		IsRoot:     false,
	}
}

func isTermux(getenv func(string) string) bool {
	if getenv("TERMUX_VERSION") != "" {
		return true
	}
	return strings.Contains(getenv("PREFIX"), "com.termux")
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeTermux:
		return "termux (Android app sandbox)"
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
