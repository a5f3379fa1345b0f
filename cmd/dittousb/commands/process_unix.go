//go:build !windows

package commands

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// signalShutdown sends SIGTERM, which the server handles as a graceful stop,
// or SIGKILL when force is set. It returns the signal name.
func signalShutdown(p *os.Process, force bool) (string, error) {
	if force {
		return unix.SignalName(unix.SIGKILL), p.Signal(unix.SIGKILL)
	}
	return unix.SignalName(unix.SIGTERM), p.Signal(unix.SIGTERM)
}

// detach starts cmd in its own session so it survives the terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
