package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/backend/memory"
	"github.com/marmos91/dittousb/pkg/device"
	"github.com/marmos91/dittousb/pkg/server"
)

func loopback(busID string, devNum uint32) *device.Device {
	return &device.Device{
		BusID:              busID,
		Path:               "/sys/devices/virtual/dittousb/" + busID,
		BusNum:             1,
		DevNum:             devNum,
		Speed:              device.SpeedHigh,
		VendorID:           0x1209,
		ProductID:          0x0001,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Product:            "Loopback",
		Interfaces: []device.Interface{{
			Class: 0xff,
			Endpoints: []device.Endpoint{
				{Address: 0x81, Attributes: device.TransferBulk, MaxPacketSize: 512},
				{Address: 0x01, Attributes: device.TransferBulk, MaxPacketSize: 512},
			},
		}},
	}
}

func startServer(t *testing.T, devices ...*device.Device) string {
	t.Helper()
	mem, err := memory.New(devices...)
	require.NoError(t, err)

	cfg := server.DefaultConfig()
	cfg.Adapter.BindAddress = "127.0.0.1"
	cfg.Adapter.Port = 0
	cfg.Adapter.ShutdownTimeout = time.Second
	cfg.RefreshInterval = 0
	srv := server.New(cfg, mem)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(context.Background()) }()
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		<-errc
	})
	return addr
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDevList(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2), loopback("1-3", 3))
	c := dial(t, addr)

	devices, err := c.DevList(testContext(t))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "1-2", devices[0].BusID)
	assert.Equal(t, "1-3", devices[1].BusID)
	assert.Equal(t, uint16(0x1209), devices[0].VendorID)
	assert.Equal(t, device.SpeedHigh, devices[0].Speed)
	require.Len(t, devices[0].Interfaces, 1)
	assert.Equal(t, uint8(0xff), devices[0].Interfaces[0].Class)
}

func TestImportAndLoopback(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)
	ctx := testContext(t)

	dev, err := c.Import(ctx, "1-2")
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<16|2), dev.DevID())
	assert.Equal(t, dev, c.Device())

	_, err = c.DevList(ctx)
	assert.ErrorIs(t, err, ErrAttached)

	out, err := c.Submit(ctx, &URB{Endpoint: 1, Data: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, int32(0), out.Status)
	assert.Equal(t, 4, out.ActualLength)

	in, err := c.Submit(ctx, &URB{Endpoint: 1, In: true, Length: 64})
	require.NoError(t, err)
	assert.Equal(t, int32(0), in.Status)
	assert.Equal(t, []byte("ping"), in.Data)
}

func TestImportBusy(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	first := dial(t, addr)
	_, err := first.Import(testContext(t), "1-2")
	require.NoError(t, err)

	second := dial(t, addr)
	_, err = second.Import(testContext(t), "1-2")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.StatusDevBusy, se.Status)
	assert.Nil(t, second.Device())
}

func TestControlGetDescriptor(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)
	ctx := testContext(t)
	_, err := c.Import(ctx, "1-2")
	require.NoError(t, err)

	res, err := c.Submit(ctx, &URB{
		In:     true,
		Length: 18,
		Setup:  [8]byte{0x80, 0x06, 0x00, device.DescriptorDevice, 0, 0, 18, 0},
	})
	require.NoError(t, err)
	require.Equal(t, int32(0), res.Status)
	require.Len(t, res.Data, 18)
	assert.Equal(t, byte(device.DescriptorDevice), res.Data[1])
}

func TestUnlinkPendingTransfer(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)
	ctx := testContext(t)
	_, err := c.Import(ctx, "1-2")
	require.NoError(t, err)

	p, err := c.Start(&URB{Endpoint: 1, In: true, Length: 16})
	require.NoError(t, err)

	status, err := c.Unlink(ctx, p.SeqNum)
	require.NoError(t, err)
	assert.Equal(t, proto.ErrnoECONNRESET, status)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.ErrnoECONNRESET, res.Status)
}

func TestUnlinkCompletedTransfer(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)
	ctx := testContext(t)
	_, err := c.Import(ctx, "1-2")
	require.NoError(t, err)

	p, err := c.Start(&URB{Endpoint: 1, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	status, err := c.Unlink(ctx, p.SeqNum)
	require.NoError(t, err)
	assert.Equal(t, int32(0), status)
}

func TestSubmitBeforeImport(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)

	_, err := c.Submit(testContext(t), &URB{Endpoint: 1})
	assert.ErrorIs(t, err, ErrNotAttached)
	_, err = c.Unlink(testContext(t), 1)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestCloseFailsWaiters(t *testing.T) {
	addr := startServer(t, loopback("1-2", 2))
	c := dial(t, addr)
	ctx := testContext(t)
	_, err := c.Import(ctx, "1-2")
	require.NoError(t, err)

	p, err := c.Start(&URB{Endpoint: 1, In: true, Length: 16})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Start(&URB{Endpoint: 1, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandshakeHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// A server that accepts and never answers.
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = conn.Read(make([]byte, 64))
			time.Sleep(time.Second)
		}
	}()

	c := dial(t, ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = c.DevList(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestDialDefaultPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Nothing listens on the USB/IP port of a TEST-NET address; only the
	// error message is checked.
	_, err := Dial(ctx, "192.0.2.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "192.0.2.1:3240")
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Op: "OP_REQ_IMPORT", Status: proto.StatusNoDev}
	assert.Contains(t, err.Error(), "OP_REQ_IMPORT")
	assert.Contains(t, err.Error(), proto.StatusName(proto.StatusNoDev))
}
