package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittousb/pkg/device"
)

const twoDevices = `
devices:
  - busid: "1-1"
    busnum: 1
    devnum: 2
    speed: high
    vendor_id: 0x1209
    product_id: 0x0001
    configuration_value: 1
    product: Loopback
    interfaces:
      - class: 0xff
        endpoints:
          - {address: 0x81, attributes: 2, max_packet_size: 512}
          - {address: 0x01, attributes: 2, max_packet_size: 512}
  - busid: "1-2"
    busnum: 1
    devnum: 3
    speed: full
    vendor_id: 0x046d
    product_id: 0xc52b
    interfaces:
      - {class: 3, subclass: 1, protocol: 2}
`

const oneDevice = `
devices:
  - busid: "1-2"
    busnum: 1
    devnum: 3
    speed: full
    vendor_id: 0x046d
    product_id: 0xc52b
    interfaces:
      - {class: 3, subclass: 1, protocol: 2}
`

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), twoDevices)

	devs, err := Load(path)
	require.NoError(t, err)
	require.Len(t, devs, 2)

	d := devs[0]
	assert.Equal(t, "1-1", d.BusID)
	assert.Equal(t, device.SpeedHigh, d.Speed)
	assert.Equal(t, uint16(0x1209), d.VendorID)
	assert.Equal(t, "/sys/devices/virtual/dittousb/1-1", d.Path)
	require.Len(t, d.Interfaces, 1)
	require.Len(t, d.Interfaces[0].Endpoints, 2)
	assert.True(t, d.Interfaces[0].Endpoints[0].IsIn())
	assert.Equal(t, uint8(2), devs[1].Interfaces[0].Protocol)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeCatalog(t, dir, "devices: [::"))
	assert.Error(t, err)

	_, err = Load(writeCatalog(t, dir, "devices:\n  - busnum: 1\n"))
	assert.ErrorContains(t, err, "busid is required")

	_, err = Load(writeCatalog(t, dir, "devices:\n  - {busid: \"1-1\", speed: warp}\n"))
	assert.Error(t, err)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "devices.yaml")
	in := []*device.Device{{BusID: "4-1", Path: "/x", BusNum: 4, DevNum: 1, Speed: device.SpeedSuper}}

	require.NoError(t, Save(path, in))
	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, device.SpeedSuper, out[0].Speed)
	assert.Equal(t, "/x", out[0].Path)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, twoDevices)

	b, err := New(path)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, Name, b.Name())

	writeCatalog(t, dir, oneDevice)
	require.NoError(t, b.Reload())

	devs, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "1-2", devs[0].BusID)

	writeCatalog(t, dir, "not: [valid")
	assert.Error(t, b.Reload())
	devs, _ = b.Enumerate(context.Background())
	assert.Len(t, devs, 1, "failed reload keeps devices")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, twoDevices)

	b, err := New(path)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeCatalog(t, dir, oneDevice)

	select {
	case <-b.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("catalog change not detected")
	}

	devs, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Len(t, devs, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
