package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittousb/internal/cli/output"
	"github.com/marmos91/dittousb/pkg/client"
	"github.com/marmos91/dittousb/pkg/device"
)

var (
	listRemote  string
	listOutput  string
	listTimeout time.Duration
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices exported by a USB/IP server",
	Long: `Connect to a USB/IP server and print the devices it currently offers
for import, the same list "usbip list -r" shows.

Examples:
  dittousb list --remote 192.168.1.10
  dittousb list -r usb-host:3241 -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listRemote, "remote", "r", "127.0.0.1", "Server host[:port]")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table|json|yaml)")
	listCmd.Flags().DurationVar(&listTimeout, "timeout", 5*time.Second, "Connection and request timeout")
}

// remoteAddr adds the default USB/IP port to host when it has none.
func remoteAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(client.DefaultPort))
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(listOutput)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), listTimeout)
	defer cancel()

	addr := remoteAddr(listRemote)
	c, err := client.Dial(ctx, addr, client.WithTimeout(listTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() { _ = c.Close() }()

	devices, err := c.DevList(ctx)
	if err != nil {
		return fmt.Errorf("device list request failed: %w", err)
	}

	p := output.NewPrinter(os.Stdout, format, true)
	if format != output.FormatTable {
		return p.Print(devices)
	}
	if len(devices) == 0 {
		p.Printf("No exportable devices on %s\n", addr)
		return nil
	}
	p.Printf("Exportable devices on %s\n\n", addr)
	return output.PrintTable(p.Writer(), exportTable(devices))
}

func exportTable(devices []*device.Device) *output.TableData {
	t := output.NewTableData("BUSID", "ID", "SPEED", "CLASS", "INTERFACES", "PRODUCT")
	for _, d := range devices {
		product := d.Product
		if product == "" {
			product = "-"
		}
		t.AddRow(
			d.BusID,
			fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID),
			d.Speed.String(),
			fmt.Sprintf("%02x/%02x/%02x", d.Class, d.SubClass, d.Protocol),
			strconv.Itoa(len(d.Interfaces)),
			product,
		)
	}
	return t
}
