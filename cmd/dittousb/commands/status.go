package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/cli/output"
	"github.com/marmos91/dittousb/internal/cli/timeutil"
	"github.com/marmos91/dittousb/pkg/apiclient"
)

var (
	statusOutput  string
	statusPidFile string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the dittousb server.

The PID file tells whether a daemon is running; the diagnostics API reports
uptime, device counts and active sessions.

Examples:
  # Check status (uses default settings)
  dittousb status

  # Query a specific API endpoint
  dittousb status --api-url http://10.0.0.5:8240

  # Output as JSON
  dittousb status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittousb/dittousb.pid)")
	statusCmd.Flags().StringVar(&apiURL, "api-url", "", "Diagnostics API URL (default: from configuration)")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// ServerStatus is what the status command reports.
type ServerStatus struct {
	Running bool   `json:"running" yaml:"running"`
	PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Message string `json:"message" yaml:"message"`

	Server *apiclient.Status `json:"server,omitempty" yaml:"server,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

	status := ServerStatus{Message: "Server is not running"}

	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}
	if pid, running := isProcessRunning(pidPath); running {
		status.Running = true
		status.PID = pid
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	st, err := newAPIClient().Status(ctx)
	switch {
	case err == nil:
		status.Running = true
		status.Server = st
		status.Message = "Server is running"
	case status.Running:
		status.Message = fmt.Sprintf("Server process exists but the API is unreachable: %v", err)
	}

	p := output.NewPrinter(os.Stdout, format, true)
	if format != output.FormatTable {
		return p.Print(status)
	}
	return printStatusTable(p, status)
}

func printStatusTable(p *output.Printer, status ServerStatus) error {
	p.Printf("\ndittousb Server Status\n======================\n\n")

	state := "stopped"
	if status.Running {
		state = "running"
	}

	pairs := [][2]string{{"Status", p.State(state)}}
	if status.PID != 0 {
		pairs = append(pairs, [2]string{"PID", strconv.Itoa(status.PID)})
	}
	if st := status.Server; st != nil {
		pairs = append(pairs,
			[2]string{"Version", st.Version},
			[2]string{"Listening", st.Address},
			[2]string{"Backend", st.Backend},
			[2]string{"Started", timeutil.FormatTime(st.StartedAt)},
			[2]string{"Uptime", timeutil.FormatUptime(st.Uptime)},
			[2]string{"Connections", strconv.Itoa(int(st.Connections))},
			[2]string{"Devices", fmt.Sprintf("%d available, %d exported", st.Available, st.Exported)},
			[2]string{"Pending", strconv.Itoa(st.Pending)},
		)
	}
	if err := output.KeyValues(p.Writer(), pairs); err != nil {
		return err
	}

	if status.Server != nil && len(status.Server.Sessions) > 0 {
		p.Printf("\nSessions:\n")
		if err := output.PrintTable(p.Writer(), sessionTable(p, status.Server.Sessions, time.Now())); err != nil {
			return err
		}
	}

	p.Printf("\n  %s\n\n", status.Message)
	return nil
}

// sessionTable renders sessions as ID, CLIENT, PHASE, BUSID, PENDING, AGE.
func sessionTable(p *output.Printer, sessions []apiclient.Session, now time.Time) *output.TableData {
	t := output.NewTableData("ID", "CLIENT", "PHASE", "BUSID", "PENDING", "AGE")
	for _, s := range sessions {
		busID := s.BusID
		if busID == "" {
			busID = "-"
		}
		t.AddRow(s.ID, s.ClientAddr, p.State(s.Phase), busID, strconv.Itoa(s.Pending), timeutil.Since(s.Since, now))
	}
	return t
}
