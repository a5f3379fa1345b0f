//go:build windows

package commands

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a running
// process.
const stillActive = 259

var errGracefulUnsupported = errors.New("graceful stop is not supported on Windows, use --force")

func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = windows.CloseHandle(h) }()

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// signalShutdown terminates the process. Windows cannot deliver the
// interrupt the server waits for, so only a forced stop is possible.
func signalShutdown(p *os.Process, force bool) (string, error) {
	if !force {
		return "", errGracefulUnsupported
	}
	return "TerminateProcess", p.Kill()
}

// detach starts cmd without a console in its own process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
		HideWindow:    true,
	}
}
