package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/internal/cli/output"
	"github.com/marmos91/dittousb/pkg/apiclient"
	"github.com/marmos91/dittousb/pkg/backend/memory"
	"github.com/marmos91/dittousb/pkg/device"
)

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "init", "start", "stop", "status", "devices", "list", "config", "completion"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "dittousb "+Version)
	assert.Contains(t, buf.String(), "commit: "+Commit)
}

func TestPidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "dittousb.pid")
	require.NoError(t, writePidFile(path))

	pid, err := readPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	got, running := isProcessRunning(path)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), got)
}

func TestReadPidFileInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := readPidFile(filepath.Join(dir, "missing.pid"))
	assert.True(t, os.IsNotExist(err))

	for _, content := range []string{"", "abc", "-4", "0"} {
		path := filepath.Join(dir, "bad.pid")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := readPidFile(path)
		assert.Error(t, err, "content %q", content)
	}

	path := filepath.Join(dir, "spaces.pid")
	require.NoError(t, os.WriteFile(path, []byte(" 42\n"), 0644))
	pid, err := readPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)
}

func TestDefaultStatePaths(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/state")
	if GetDefaultStateDir() != filepath.Join("/var/state", "dittousb") {
		t.Skip("platform uses LOCALAPPDATA")
	}
	assert.Equal(t, filepath.Join("/var/state", "dittousb", "dittousb.pid"), GetDefaultPidFile())
	assert.Equal(t, filepath.Join("/var/state", "dittousb", "dittousb.log"), GetDefaultLogFile())
}

func TestRemoteAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:3240", remoteAddr("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:3241", remoteAddr("10.0.0.1:3241"))
	assert.Equal(t, "[::1]:3240", remoteAddr("::1"))
	assert.Equal(t, "usb-host:3240", remoteAddr("usb-host"))
}

func TestNewAPIClientFromFlag(t *testing.T) {
	apiURL = "http://10.1.2.3:9000/"
	t.Cleanup(func() { apiURL = "" })
	assert.Equal(t, "http://10.1.2.3:9000", newAPIClient().BaseURL())
}

func TestNewAPIClientFromConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DITTOUSB_API_PORT", "8999")
	assert.Equal(t, "http://127.0.0.1:8999", newAPIClient().BaseURL())
}

func TestDeviceTable(t *testing.T) {
	p := output.NewPrinter(&bytes.Buffer{}, output.FormatTable, false)
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	devices := []apiclient.Device{
		{BusID: "1-2", VendorID: "1209", ProductID: "0001", Speed: "high", Manufacturer: "dittousb", Product: "Loopback", State: "available", Since: now.Add(-time.Hour)},
		{BusID: "1-3", VendorID: "1209", ProductID: "0001", Speed: "full", State: "exported", SessionID: "s1", Since: now.Add(-time.Minute)},
	}

	table := deviceTable(p, devices, now)
	assert.Equal(t, []string{"BUSID", "ID", "SPEED", "PRODUCT", "STATE", "SESSION", "SINCE"}, table.Headers())
	require.Len(t, table.Rows(), 2)
	assert.Equal(t, []string{"1-2", "1209:0001", "high", "dittousb Loopback", "available", "-"}, table.Rows()[0][:6])
	assert.Equal(t, "-", table.Rows()[1][3])
	assert.Equal(t, "s1", table.Rows()[1][5])
}

func TestDeviceDetails(t *testing.T) {
	p := output.NewPrinter(&bytes.Buffer{}, output.FormatTable, false)
	d := &apiclient.Device{BusID: "1-2", DevID: 1<<16 | 2, Product: "Loopback", State: "available"}

	pairs := deviceDetails(p, d)
	assert.Contains(t, pairs, [2]string{"Device ID", strconv.Itoa(1<<16|2) + " (bus 1, dev 2)"})
	assert.Contains(t, pairs, [2]string{"Product", "Loopback"})
	assert.Contains(t, pairs, [2]string{"Session", "-"})
}

func TestSessionTable(t *testing.T) {
	p := output.NewPrinter(&bytes.Buffer{}, output.FormatTable, false)
	now := time.Now()
	table := sessionTable(p, []apiclient.Session{
		{ID: "s1", ClientAddr: "10.0.0.2:5000", Phase: "handshake", Since: now},
		{ID: "s2", ClientAddr: "10.0.0.3:5000", Phase: "attached", BusID: "1-2", Pending: 4, Since: now},
	}, now)

	require.Len(t, table.Rows(), 2)
	assert.Equal(t, "-", table.Rows()[0][3])
	assert.Equal(t, []string{"s2", "10.0.0.3:5000", "attached", "1-2", "4"}, table.Rows()[1][:5])
}

func TestExportTable(t *testing.T) {
	devices := memory.LoopbackSet(2)
	devices = append(devices, &device.Device{BusID: "2-1", VendorID: 0xabcd, ProductID: 0x12, Speed: device.SpeedFull, Class: 3})

	table := exportTable(devices)
	require.Len(t, table.Rows(), 3)
	assert.Equal(t, "1-2", table.Rows()[0][0])
	assert.Equal(t, "1209:0001", table.Rows()[0][1])
	assert.Equal(t, "Loopback", table.Rows()[0][5])
	assert.Equal(t, []string{"2-1", "abcd:0012", device.SpeedFull.String(), "03/00/00", "0", "-"}, table.Rows()[2])
}
