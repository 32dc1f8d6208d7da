//go:build windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Set is a no-op on Windows; there is no POSIX process group to join.
func Set(cmd *exec.Cmd) {}

// Kill maps SIGKILL to Process.Kill. Windows has no reliable graceful
// signal, so SIGTERM is a no-op and callers fall through to SIGKILL.
func Kill(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	return nil
}
