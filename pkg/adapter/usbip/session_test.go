package usbip

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/backend/memory"
	"github.com/marmos91/dittousb/pkg/device"
	"github.com/marmos91/dittousb/pkg/registry"
	"github.com/marmos91/dittousb/pkg/transfer"
)

func loopbackDevice(busID string, devNum uint32) *device.Device {
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

type testEnv struct {
	adapter  *Adapter
	backend  *memory.Backend
	registry *registry.Registry
	addr     string
}

func startServer(t *testing.T, devices ...*device.Device) *testEnv {
	t.Helper()
	mem, err := memory.New(devices...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	list, err := mem.Enumerate(ctx)
	require.NoError(t, err)
	reg := registry.New()
	reg.Refresh(list)

	disp := transfer.New(mem, transfer.DefaultConfig(), nil)
	go func() { _ = disp.Run(ctx) }()

	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = time.Second
	a := New(cfg, reg, disp, mem, nil)

	errc := make(chan error, 1)
	go func() { errc <- a.Serve(ctx) }()
	addr := a.Addr()
	require.NotEmpty(t, addr)

	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = a.Stop(stopCtx)
		cancel()
		<-errc
		_ = mem.Close()
	})
	return &testEnv{adapter: a, backend: mem, registry: reg, addr: addr}
}

// testClient speaks raw USB/IP over a TCP connection.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *proto.Reader

	mu   sync.Mutex
	dirs map[uint32]uint32
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testClient{t: t, conn: conn, dirs: make(map[uint32]uint32)}
	c.reader = proto.NewReader(conn, &proto.DecodeOptions{ReplyDirection: c.direction})
	return c
}

func (c *testClient) direction(seq uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.dirs[seq]
	return dir, ok
}

func (c *testClient) send(msg proto.Message) {
	c.t.Helper()
	if m, ok := msg.(*proto.SubmitRequest); ok {
		c.mu.Lock()
		c.dirs[m.SeqNum] = m.Direction
		c.mu.Unlock()
	}
	b, err := proto.Encode(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) recv() proto.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := c.reader.ReadMessage()
	require.NoError(c.t, err)
	return msg
}

// expectClosed asserts the server closes the connection without sending
// anything else.
func (c *testClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := c.reader.ReadMessage()
	require.Nil(c.t, msg, "unexpected reply %#v", msg)
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(c.t, netErr.Timeout(), "connection was not closed")
	}
	assert.Zero(c.t, c.reader.Buffered())
}

func (c *testClient) importDevice(busID string) *proto.ImportReply {
	c.t.Helper()
	c.send(&proto.ImportRequest{BusID: busID})
	reply, ok := c.recv().(*proto.ImportReply)
	require.True(c.t, ok)
	return reply
}

func bulkSubmit(seq, devid uint32, in bool, length int32, data []byte) *proto.SubmitRequest {
	req := &proto.SubmitRequest{
		SeqNum:               seq,
		DevID:                devid,
		Direction:            proto.DirOut,
		Endpoint:             1,
		TransferBufferLength: length,
		Data:                 data,
	}
	if in {
		req.Direction = proto.DirIn
	}
	return req
}

const devID = 1<<16 | 2

func TestDevListUnfiltered(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2), loopbackDevice("1-3", 3))

	holder := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, holder.importDevice("1-3").Status)

	c := dialClient(t, env.addr)
	c.send(&proto.DevListRequest{})
	reply, ok := c.recv().(*proto.DevListReply)
	require.True(t, ok)
	assert.Equal(t, proto.StatusOK, reply.Status)

	snapshot := env.registry.List()
	require.Len(t, reply.Devices, len(snapshot))
	for i, e := range snapshot {
		assert.Equal(t, e.Device.BusID, reply.Devices[i].BusID)
		assert.Equal(t, e.Device.DevID(), reply.Devices[i].DevID())
		assert.Len(t, reply.Devices[i].Interfaces, 1)
	}

	// The session stays in the handshake phase and may import afterwards.
	assert.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)
}

func TestImportBindConflict(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))

	first := dialClient(t, env.addr)
	reply := first.importDevice("1-2")
	require.Equal(t, proto.StatusOK, reply.Status)
	require.NotNil(t, reply.Device)
	assert.Equal(t, "1-2", reply.Device.BusID)
	assert.Equal(t, uint32(devID), reply.Device.DevID())

	second := dialClient(t, env.addr)
	assert.Equal(t, proto.StatusDevBusy, second.importDevice("1-2").Status)

	// The first session is still attached.
	first.send(bulkSubmit(1, devID, false, 2, []byte("hi")))
	ret, ok := first.recv().(*proto.SubmitReply)
	require.True(t, ok)
	assert.Equal(t, uint32(1), ret.SeqNum)
	assert.Equal(t, int32(0), ret.Status)

	entry, ok := env.registry.Get("1-2")
	require.True(t, ok)
	assert.Equal(t, registry.StateExported, entry.State)
}

func TestImportUnknownDevice(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)

	reply := c.importDevice("9-9")
	assert.Equal(t, proto.StatusNoDev, reply.Status)
	assert.Nil(t, reply.Device)

	c.send(&proto.DevListRequest{})
	_, ok := c.recv().(*proto.DevListReply)
	assert.True(t, ok)
}

func TestImportClaimFailure(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	require.NoError(t, env.backend.Claim("1-2"))

	c := dialClient(t, env.addr)
	assert.Equal(t, proto.StatusDevErr, c.importDevice("1-2").Status)

	entry, ok := env.registry.Get("1-2")
	require.True(t, ok)
	assert.Equal(t, registry.StateAvailable, entry.State)
}

func TestSubmitCompletes(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	c.send(bulkSubmit(7, devID, true, 64, nil))
	c.send(bulkSubmit(8, devID, false, 5, []byte("hello")))

	got := map[uint32]*proto.SubmitReply{}
	for len(got) < 2 {
		ret, ok := c.recv().(*proto.SubmitReply)
		require.True(t, ok)
		got[ret.SeqNum] = ret
	}
	assert.Equal(t, int32(0), got[7].Status)
	assert.Equal(t, []byte("hello"), got[7].Data)
	assert.Equal(t, int32(5), got[7].ActualLength)
	assert.Equal(t, int32(0), got[8].Status)
	assert.Equal(t, int32(5), got[8].ActualLength)
	assert.Empty(t, got[8].Data)
}

func TestControlTransfer(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	req := &proto.SubmitRequest{
		SeqNum:               1,
		DevID:                devID,
		Direction:            proto.DirIn,
		TransferBufferLength: 18,
		Setup:                [8]byte{0x80, 0x06, 0x00, device.DescriptorDevice, 0, 0, 18, 0},
	}
	c.send(req)
	ret, ok := c.recv().(*proto.SubmitReply)
	require.True(t, ok)
	require.Equal(t, int32(0), ret.Status)
	require.Len(t, ret.Data, 18)
	assert.Equal(t, byte(0x09), ret.Data[8])
	assert.Equal(t, byte(0x12), ret.Data[9])
}

func TestUnlinkAfterCompletion(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	c.send(bulkSubmit(7, devID, false, 3, []byte("abc")))
	ret, ok := c.recv().(*proto.SubmitReply)
	require.True(t, ok)
	require.Equal(t, uint32(7), ret.SeqNum)

	c.send(&proto.UnlinkRequest{SeqNum: 9, DevID: devID, UnlinkSeqNum: 7})
	unlink, ok := c.recv().(*proto.UnlinkReply)
	require.True(t, ok)
	assert.Equal(t, uint32(9), unlink.SeqNum)
	assert.Equal(t, int32(0), unlink.Status)
}

func TestUnlinkPending(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	c.send(bulkSubmit(1, devID, true, 16, nil))
	c.send(&proto.UnlinkRequest{SeqNum: 2, DevID: devID, UnlinkSeqNum: 1})

	unlink, ok := c.recv().(*proto.UnlinkReply)
	require.True(t, ok, "a cancelled transfer gets no RET_SUBMIT")
	assert.Equal(t, uint32(2), unlink.SeqNum)
	assert.Equal(t, proto.ErrnoECONNRESET, unlink.Status)

	// Subsequent traffic is unaffected.
	c.send(bulkSubmit(3, devID, false, 1, []byte{1}))
	ret, ok := c.recv().(*proto.SubmitReply)
	require.True(t, ok)
	assert.Equal(t, uint32(3), ret.SeqNum)
	assert.Zero(t, env.backend.Pending())
}

func TestTruncatedBodyCloses(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	b, err := proto.Encode(bulkSubmit(1, devID, false, 100, make([]byte, 100)))
	require.NoError(t, err)
	_, err = c.conn.Write(b[:proto.CommandHeaderSize+10])
	require.NoError(t, err)
	require.NoError(t, c.conn.(*net.TCPConn).CloseWrite())

	c.expectClosed()
	require.Eventually(t, func() bool {
		e, _ := env.registry.Get("1-2")
		return e.State == registry.StateAvailable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOversizedLengthCloses(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	b, err := proto.Encode(bulkSubmit(1, devID, true, proto.DefaultMaxTransferSize+1, nil))
	require.NoError(t, err)
	_, err = c.conn.Write(b)
	require.NoError(t, err)

	c.expectClosed()
}

func TestOutOfPhaseCloses(t *testing.T) {
	tests := []struct {
		name   string
		attach bool
		msg    proto.Message
	}{
		{"SubmitInHandshake", false, bulkSubmit(1, devID, true, 8, nil)},
		{"UnlinkInHandshake", false, &proto.UnlinkRequest{SeqNum: 1, DevID: devID, UnlinkSeqNum: 1}},
		{"ImportWhenAttached", true, &proto.ImportRequest{BusID: "1-2"}},
		{"DevListWhenAttached", true, &proto.DevListRequest{}},
		{"WrongDevID", true, bulkSubmit(1, 0xdead, true, 8, nil)},
		{"ReplyFromClient", false, &proto.UnlinkReply{SeqNum: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := startServer(t, loopbackDevice("1-2", 2))
			c := dialClient(t, env.addr)
			if tt.attach {
				require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)
			}
			c.send(tt.msg)
			c.expectClosed()
		})
	}
}

func TestDuplicateSeqNumCloses(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	c.send(bulkSubmit(1, devID, true, 8, nil))
	c.send(bulkSubmit(1, devID, true, 8, nil))
	c.expectClosed()

	require.Eventually(t, func() bool { return env.backend.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectReleasesDevice(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)
	c.send(bulkSubmit(1, devID, true, 8, nil))

	require.Eventually(t, func() bool { return len(env.adapter.Sessions()) == 1 }, time.Second, 5*time.Millisecond)
	info := env.adapter.Sessions()[0]
	assert.Equal(t, "1-2", info.BusID)
	assert.Equal(t, PhaseAttached.String(), info.Phase)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		e, _ := env.registry.Get("1-2")
		return e.State == registry.StateAvailable && env.backend.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	again := dialClient(t, env.addr)
	assert.Equal(t, proto.StatusOK, again.importDevice("1-2").Status)
}

func TestDeviceRemovalClosesSession(t *testing.T) {
	env := startServer(t, loopbackDevice("1-2", 2), loopbackDevice("1-3", 3))
	c := dialClient(t, env.addr)
	require.Equal(t, proto.StatusOK, c.importDevice("1-2").Status)

	res := env.registry.Refresh([]*device.Device{loopbackDevice("1-3", 3)})
	assert.Equal(t, []string{"1-2"}, res.Lost)

	c.expectClosed()
	require.Eventually(t, func() bool { return len(env.adapter.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	mem, err := memory.New(loopbackDevice("1-2", 2))
	require.NoError(t, err)
	defer mem.Close()

	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.IdleTimeout = 50 * time.Millisecond
	a := New(cfg, registry.New(), transfer.New(mem, transfer.Config{}, nil), mem, nil)
	go func() { _ = a.Serve(context.Background()) }()
	defer a.Stop(context.Background())

	c := dialClient(t, a.Addr())
	start := time.Now()
	c.expectClosed()
	assert.Less(t, time.Since(start), time.Second)
}

func TestReplyFor(t *testing.T) {
	t.Run("NonISOEchoesPacketCount", func(t *testing.T) {
		msg := replyFor(transfer.Event{SeqNum: 1, Packets: -1, Result: backend.Result{ActualLength: 4}})
		reply := msg.(*proto.SubmitReply)
		assert.Equal(t, int32(-1), reply.NumberOfPackets)
		assert.Equal(t, int32(4), reply.ActualLength)
		assert.Nil(t, reply.Data)
	})

	t.Run("INTrimsToActualLength", func(t *testing.T) {
		msg := replyFor(transfer.Event{In: true, Result: backend.Result{ActualLength: 2, Data: []byte{1, 2, 3}}})
		reply := msg.(*proto.SubmitReply)
		assert.Equal(t, []byte{1, 2}, reply.Data)
		assert.Equal(t, int32(2), reply.ActualLength)
		_, err := proto.Encode(reply)
		assert.NoError(t, err)
	})

	t.Run("ISOPackets", func(t *testing.T) {
		msg := replyFor(transfer.Event{In: true, Packets: 2, Result: backend.Result{
			ActualLength: 3,
			Data:         []byte{1, 2, 3},
			ISOPackets:   []backend.ISOPacket{{Offset: 0, Length: 4, ActualLength: 3}, {Offset: 4, Length: 4}},
		}})
		reply := msg.(*proto.SubmitReply)
		assert.Equal(t, int32(2), reply.NumberOfPackets)
		assert.Equal(t, uint32(3), reply.ISOPackets[0].ActualLength)
		_, err := proto.Encode(reply)
		assert.NoError(t, err)
	})

	t.Run("Unlink", func(t *testing.T) {
		msg := replyFor(transfer.Event{Kind: transfer.EventUnlinked, SeqNum: 4, Result: backend.Result{Status: backend.StatusConnReset}})
		assert.Equal(t, &proto.UnlinkReply{SeqNum: 4, Status: -104}, msg)
	})
}

func TestMapError(t *testing.T) {
	a := &Adapter{}
	tests := []struct {
		err  error
		want uint32
	}{
		{registry.ErrBindConflict, proto.StatusDevBusy},
		{registry.ErrNotFound, proto.StatusNoDev},
		{errors.Join(ErrClaimFailed, backend.ErrAlreadyClaimed), proto.StatusDevErr},
		{io.ErrUnexpectedEOF, proto.StatusError},
	}
	for _, tt := range tests {
		perr := a.MapError(tt.err)
		require.NotNil(t, perr)
		assert.Equal(t, tt.want, perr.Code())
		assert.ErrorIs(t, perr, tt.err)
		assert.Equal(t, proto.StatusName(tt.want), perr.Message())
	}
	assert.Nil(t, a.MapError(nil))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "handshake", PhaseHandshake.String())
	assert.Equal(t, "attached", PhaseAttached.String())
	assert.Equal(t, "closing", PhaseClosing.String())
}

// blockingClaim holds Claim until release is closed.
type blockingClaim struct {
	*memory.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingClaim) Claim(busID string) error {
	close(b.entered)
	<-b.release
	return b.Backend.Claim(busID)
}

func TestStopDuringImportReleasesDevice(t *testing.T) {
	mem, err := memory.New(loopbackDevice("1-2", 2))
	require.NoError(t, err)
	defer mem.Close()
	be := &blockingClaim{Backend: mem, entered: make(chan struct{}), release: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	list, err := mem.Enumerate(ctx)
	require.NoError(t, err)
	reg := registry.New()
	reg.Refresh(list)
	disp := transfer.New(be, transfer.DefaultConfig(), nil)
	go func() { _ = disp.Run(ctx) }()

	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.ShutdownTimeout = 2 * time.Second
	a := New(cfg, reg, disp, be, nil)
	go func() { _ = a.Serve(ctx) }()

	c := dialClient(t, a.Addr())
	c.send(&proto.ImportRequest{BusID: "1-2"})

	select {
	case <-be.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("import did not reach the backend")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop(context.Background()) }()
	require.Eventually(t, func() bool {
		sessions := a.Sessions()
		return len(sessions) == 1 && sessions[0].Phase == PhaseClosing.String()
	}, 2*time.Second, 5*time.Millisecond)

	close(be.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("adapter did not stop")
	}

	for _, s := range a.Sessions() {
		assert.NotEqual(t, PhaseAttached.String(), s.Phase)
	}
	entry, ok := reg.Get("1-2")
	require.True(t, ok)
	assert.Equal(t, registry.StateAvailable, entry.State)
	assert.Empty(t, entry.SessionID)
	assert.Equal(t, 0, disp.Stats().Sessions)
	assert.NoError(t, mem.Claim("1-2"), "backend claim was not dropped")
}
