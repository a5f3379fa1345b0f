package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// defaultStopTimeout covers the server's default shutdown timeout.
const defaultStopTimeout = 40 * time.Second

var (
	stopPidFile string
	stopForce   bool
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the USB/IP server",
	Long: `Stop a running dittousb server.

By default the server is asked to shut down gracefully: sessions are closed,
every pending transfer is cancelled and the devices are released. The
command waits for the process to exit; --timeout 0 returns right after the
signal is sent. Use --force for immediate termination.

Examples:
  # Stop server (uses default PID file)
  dittousb stop

  # Stop server using custom PID file
  dittousb stop --pid-file /var/run/dittousb.pid

  # Force stop
  dittousb stop --force`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittousb/dittousb.pid)")
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "Force kill instead of graceful shutdown")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", defaultStopTimeout, "How long to wait for the server to exit (0: do not wait)")
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	pidPath := resolveDaemonPaths(stopPidFile, "").pid

	pid, err := readPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("PID file not found: %s\n\nIs the server running?", pidPath)
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if !processAlive(pid) {
		_, _ = fmt.Fprintf(out, "Server already stopped (stale PID %d)\n", pid)
		_ = os.Remove(pidPath)
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	signal, err := signalShutdown(process, stopForce)
	if errors.Is(err, os.ErrProcessDone) {
		_, _ = fmt.Fprintln(out, "Server already stopped")
		_ = os.Remove(pidPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop process %d: %w", pid, err)
	}
	_, _ = fmt.Fprintf(out, "Sent %s to dittousb (PID %d)\n", signal, pid)

	if stopForce {
		// A killed server cannot remove its own PID file.
		_ = os.Remove(pidPath)
	}
	if stopTimeout <= 0 {
		return nil
	}
	if err := waitForExit(pid, stopTimeout, 100*time.Millisecond); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "Server stopped")
	return nil
}

// waitForExit polls until pid is gone.
func waitForExit(pid int, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("server (PID %d) still running after %s, use --force to kill it", pid, timeout)
		}
		time.Sleep(poll)
	}
	return nil
}
