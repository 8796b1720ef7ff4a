package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// StartDetached spawns `<executable> run <args...>` in a new session so the
// collector outlives the invoking shell. It returns the child PID.
func StartDetached(executable string, args ...string) (int, error) {
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to resolve executable: %w", err)
		}
		executable = exe
	}

	cmd := detachedCommand(executable, args)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start collector: %w", err)
	}
	pid := cmd.Process.Pid
	// the child is not waited on; release it so no zombie is kept around
	_ = cmd.Process.Release()
	return pid, nil
}

func detachedCommand(executable string, args []string) *exec.Cmd {
	cmd := exec.Command(executable, append([]string{"run"}, args...)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// No stdin/stdout/stderr; the collector logs to its own file
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}
