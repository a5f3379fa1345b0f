package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/cli/output"
	"github.com/marmos91/dittousb/internal/cli/timeutil"
	"github.com/marmos91/dittousb/pkg/apiclient"
)

var (
	devicesOutput string
	devicesState  string
)

var devicesCmd = &cobra.Command{
	Use:   "devices [busid]",
	Short: "Show devices registered on a running server",
	Long: `List the devices registered on a running server together with their
export state, or show one device in detail.

Examples:
  # All devices
  dittousb devices

  # Only devices that can still be imported
  dittousb devices --state available

  # One device as YAML
  dittousb devices 1-2 -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDevices,
}

func init() {
	devicesCmd.Flags().StringVar(&apiURL, "api-url", "", "Diagnostics API URL (default: from configuration)")
	devicesCmd.Flags().StringVar(&devicesState, "state", "", "Filter by state (available|exported)")
	devicesCmd.Flags().StringVarP(&devicesOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runDevices(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(devicesOutput)
	if err != nil {
		return err
	}
	switch devicesState {
	case "", "available", "exported":
	default:
		return fmt.Errorf("invalid state %q: must be available or exported", devicesState)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client := newAPIClient()
	p := output.NewPrinter(os.Stdout, format, true)

	if len(args) == 1 {
		d, err := client.Device(ctx, args[0])
		if err != nil {
			return err
		}
		if format != output.FormatTable {
			return p.Print(d)
		}
		return output.KeyValues(p.Writer(), deviceDetails(p, d))
	}

	devices, err := client.Devices(ctx, devicesState)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return p.Print(devices)
	}
	if len(devices) == 0 {
		p.Printf("No devices registered\n")
		return nil
	}
	return output.PrintTable(p.Writer(), deviceTable(p, devices, time.Now()))
}

func deviceTable(p *output.Printer, devices []apiclient.Device, now time.Time) *output.TableData {
	t := output.NewTableData("BUSID", "ID", "SPEED", "PRODUCT", "STATE", "SESSION", "SINCE")
	for _, d := range devices {
		session := d.SessionID
		if session == "" {
			session = "-"
		}
		t.AddRow(d.BusID, d.VendorID+":"+d.ProductID, d.Speed, productName(d), p.State(d.State), session, timeutil.Since(d.Since, now))
	}
	return t
}

func deviceDetails(p *output.Printer, d *apiclient.Device) [][2]string {
	session := d.SessionID
	if session == "" {
		session = "-"
	}
	return [][2]string{
		{"Bus ID", d.BusID},
		{"Path", d.Path},
		{"Device ID", fmt.Sprintf("%d (bus %d, dev %d)", d.DevID, d.DevID>>16, d.DevID&0xffff)},
		{"Vendor:Product", d.VendorID + ":" + d.ProductID},
		{"Speed", d.Speed},
		{"Product", productName(*d)},
		{"State", p.State(d.State)},
		{"Session", session},
		{"Since", timeutil.FormatTime(d.Since)},
	}
}

func productName(d apiclient.Device) string {
	switch {
	case d.Manufacturer != "" && d.Product != "":
		return d.Manufacturer + " " + d.Product
	case d.Product != "":
		return d.Product
	default:
		return "-"
	}
}
