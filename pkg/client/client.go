// Package client is a USB/IP client. It lists the devices a server exports,
// imports one and drives it with URBs.
//
// A connection starts in the handshake phase, where DevList and Import may
// be called. A successful Import switches it to URB traffic: Submit and
// Unlink may then be called concurrently and replies are matched to
// requests by sequence number.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/marmos91/dittousb/internal/logger"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/device"
)

// DefaultPort is the standard USB/IP port.
const DefaultPort = 3240

var (
	// ErrNotAttached is returned by Submit and Unlink before Import.
	ErrNotAttached = errors.New("client: no device imported")

	// ErrAttached is returned by DevList and Import after Import succeeded.
	ErrAttached = errors.New("client: device already imported")

	// ErrClosed is returned once the connection is closed.
	ErrClosed = errors.New("client: connection closed")
)

// StatusError is a non-zero status in an OP_REP reply.
type StatusError struct {
	Op     string
	Status uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, proto.StatusName(e.Status))
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each handshake exchange when the context has no
// deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxTransferSize caps the payload accepted in replies.
func WithMaxTransferSize(n int) Option {
	return func(c *Client) { c.decode.MaxTransferSize = n }
}

// Client is one USB/IP connection.
type Client struct {
	conn    net.Conn
	reader  *proto.Reader
	decode  proto.DecodeOptions
	timeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	attached bool
	device   *device.Device
	waiters  map[uint32]chan proto.Message
	dirs     map[uint32]uint32
	err      error // set once the read loop stops

	seq        atomic.Uint32
	done       chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
}

// Dial connects to a USB/IP server. addr may omit the port.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprint(DefaultPort))
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		timeout: 10 * time.Second,
		waiters: make(map[uint32]chan proto.Message),
		dirs:    make(map[uint32]uint32),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.decode.ReplyDirection = c.replyDirection
	c.reader = proto.NewReader(conn, &c.decode)
	return c
}

// Close closes the connection. Pending Submit and Unlink calls fail with
// ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.finish(ErrClosed)
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Device returns the imported device, or nil before Import.
func (c *Client) Device() *device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// DevList asks the server for its exportable devices. Descriptions carry
// the fields of the wire record; endpoints are not part of it.
func (c *Client) DevList(ctx context.Context) ([]*device.Device, error) {
	msg, err := c.exchange(ctx, &proto.DevListRequest{})
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(*proto.DevListReply)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s in reply to OP_REQ_DEVLIST", msg.Name())
	}
	if reply.Status != proto.StatusOK {
		return nil, &StatusError{Op: "OP_REQ_DEVLIST", Status: reply.Status}
	}

	out := make([]*device.Device, 0, len(reply.Devices))
	for i := range reply.Devices {
		out = append(out, reply.Devices[i].Device())
	}
	return out, nil
}

// Import attaches the device with the given bus id. On success the
// connection switches to URB traffic.
func (c *Client) Import(ctx context.Context, busID string) (*device.Device, error) {
	msg, err := c.exchange(ctx, &proto.ImportRequest{BusID: busID})
	if err != nil {
		return nil, err
	}
	reply, ok := msg.(*proto.ImportReply)
	if !ok {
		return nil, fmt.Errorf("client: unexpected %s in reply to OP_REQ_IMPORT", msg.Name())
	}
	if reply.Status != proto.StatusOK {
		return nil, &StatusError{Op: "OP_REQ_IMPORT", Status: reply.Status}
	}
	if reply.Device == nil {
		return nil, errors.New("client: import reply without device")
	}

	dev := reply.Device.Device()
	c.mu.Lock()
	c.attached = true
	c.device = dev
	c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	go c.readLoop()
	logger.Debug("Device imported", logger.BusID(busID), logger.DevID(dev.DevID()))
	return dev, nil
}

// exchange sends one handshake request and reads its reply.
func (c *Client) exchange(ctx context.Context, req proto.Message) (proto.Message, error) {
	c.mu.Lock()
	attached := c.attached
	c.mu.Unlock()
	if attached {
		return nil, ErrAttached
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.connErr(err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.write(req); err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return nil, c.ctxErr(ctx, err)
	}
	return msg, nil
}

func (c *Client) write(msg proto.Message) error {
	b, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(b)
	return err
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The connection deadline can fire just before the context's own timer.
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
	}
	return c.connErr(err)
}

func (c *Client) connErr(err error) error {
	switch {
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return ErrClosed
	}
	return err
}
