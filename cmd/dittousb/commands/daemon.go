package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// daemonStartupTimeout bounds how long start waits for the detached server
// to record its PID.
const daemonStartupTimeout = 10 * time.Second

// daemonPaths are the files shared by start, stop and status.
type daemonPaths struct {
	pid string
	log string
}

func resolveDaemonPaths(pid, log string) daemonPaths {
	if pid == "" {
		pid = GetDefaultPidFile()
	}
	if log == "" {
		log = GetDefaultLogFile()
	}
	return daemonPaths{pid: pid, log: log}
}

// foregroundArgs is the command line of the detached server.
func (p daemonPaths) foregroundArgs(configFile string) []string {
	args := []string{"start", "--foreground", "--pid-file", p.pid}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	return args
}

// isProcessRunning reports the PID recorded in pidPath and whether that
// process is still alive.
func isProcessRunning(pidPath string) (int, bool) {
	pid, err := readPidFile(pidPath)
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// startDaemon re-executes the binary in foreground mode, detached from the
// terminal, and waits until the server has loaded its configuration and
// written the PID file.
func startDaemon(w io.Writer) error {
	paths := resolveDaemonPaths(pidFile, logFile)

	if pid, running := isProcessRunning(paths.pid); running {
		return fmt.Errorf("dittousb is already running (PID %d)\nUse 'dittousb stop' to stop the running instance", pid)
	}
	_ = os.Remove(paths.pid)

	if err := os.MkdirAll(filepath.Dir(paths.log), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	logHandle, err := os.OpenFile(paths.log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logHandle.Close() }()

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	cmd := exec.Command(executable, paths.foregroundArgs(GetConfigFile())...)
	cmd.Stdout = logHandle
	cmd.Stderr = logHandle
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	if err := waitForPidFile(paths.pid, cmd.Process.Pid, exited, daemonStartupTimeout); err != nil {
		return fmt.Errorf("%w\nSee %s for details", err, paths.log)
	}

	_, _ = fmt.Fprintf(w, "dittousb started in background (PID %d)\n", cmd.Process.Pid)
	_, _ = fmt.Fprintf(w, "  PID file: %s\n", paths.pid)
	_, _ = fmt.Fprintf(w, "  Log file: %s\n", paths.log)
	_, _ = fmt.Fprintln(w, "\nUse 'dittousb status' to check the server and 'dittousb stop' to stop it")
	return nil
}

// waitForPidFile polls path until it holds pid. It fails when the process
// exits first or the timeout passes.
func waitForPidFile(path string, pid int, exited <-chan error, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		if got, err := readPidFile(path); err == nil && got == pid {
			return nil
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exit status 0")
			}
			return fmt.Errorf("server exited during startup: %w", err)
		case <-deadline:
			return fmt.Errorf("server did not write %s within %s", path, timeout)
		case <-ticker.C:
		}
	}
}
