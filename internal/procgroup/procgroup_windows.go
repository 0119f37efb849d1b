//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set is a no-op on Windows.
func Set(cmd *exec.Cmd) {}

// Kill maps SIGKILL to Process.Kill; other signals are ignored since
// Windows has no reliable graceful termination via signals.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}
