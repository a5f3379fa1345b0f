package usbip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/dittousb/internal/logger"
	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/internal/telemetry"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/registry"
	"github.com/marmos91/dittousb/pkg/transfer"
)

// Phase is the protocol phase of a session.
type Phase int32

const (
	// PhaseHandshake accepts OP_REQ_DEVLIST and OP_REQ_IMPORT.
	PhaseHandshake Phase = iota

	// PhaseAttached accepts CMD_SUBMIT and CMD_UNLINK for the imported device.
	PhaseAttached

	// PhaseClosing is terminal.
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseAttached:
		return "attached"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session is one client connection.
//
// The read loop runs on the connection goroutine and handles requests in
// arrival order. Once attached, a reply goroutine drains the dispatcher
// queue and writes RET_SUBMIT and RET_UNLINK messages. writeMu keeps every
// message contiguous on the wire.
type Session struct {
	id         string
	adapter    *Adapter
	conn       net.Conn
	reader     *proto.Reader
	clientAddr string
	since      time.Time

	phase   atomic.Int32
	mu      sync.Mutex // guards binding and queue
	binding *registry.Binding
	queue   *transfer.Queue

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	replies   sync.WaitGroup
}

func newSession(a *Adapter, conn net.Conn) *Session {
	return &Session{
		id:         uuid.NewString(),
		adapter:    a,
		conn:       conn,
		reader:     proto.NewReader(conn, &a.decode),
		clientAddr: conn.RemoteAddr().String(),
		since:      time.Now(),
		closed:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:         s.id,
		ClientAddr: s.clientAddr,
		Phase:      s.Phase().String(),
		Since:      s.since,
	}
	if b := s.currentBinding(); b != nil {
		info.BusID = b.BusID()
		info.Pending = s.adapter.dispatcher.Pending(s.id)
	}
	return info
}

func (s *Session) currentBinding() *registry.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Serve runs the read loop until the connection ends, the client violates
// the protocol, the device is revoked or ctx is cancelled.
func (s *Session) Serve(ctx context.Context) {
	ctx = logger.WithContext(ctx, logger.NewLogContext(s.id, s.clientAddr))
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSession,
		trace.WithAttributes(telemetry.SessionID(s.id), telemetry.ClientAddr(s.clientAddr)))
	defer span.End()
	if telemetry.IsEnabled() {
		lc := logger.FromContext(ctx).WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
		ctx = logger.WithContext(ctx, lc)
	}

	s.adapter.sessions.Store(s.id, s)
	defer s.adapter.sessions.Delete(s.id)

	reason := "connection closed"
	defer func() {
		s.close(ctx, reason)
		s.replies.Wait()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.close(ctx, "server shutdown")
		case <-s.closed:
		}
	}()

	logger.DebugCtx(ctx, "Session started")
	for {
		if idle := s.adapter.config.IdleTimeout; idle > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				logger.DebugCtx(ctx, "Failed to set read deadline", logger.Err(err))
			}
		}

		msg, err := s.reader.ReadMessage()
		if err != nil {
			reason = s.readFailure(ctx, err)
			return
		}

		if err := s.handle(ctx, msg); err != nil {
			reason = err.Error()
			if errors.Is(err, ErrProtocolViolation) {
				s.protocolError(ctx, "violation", err)
			} else {
				logger.DebugCtx(ctx, "Session write failed", logger.Err(err))
			}
			return
		}
	}
}

// readFailure logs why reading stopped and returns the close reason.
func (s *Session) readFailure(ctx context.Context, err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.DebugCtx(ctx, "Connection closed by client")
		return "client disconnected"
	case errors.Is(err, proto.ErrMalformed):
		s.protocolError(ctx, "malformed", err)
		return "malformed message"
	case errors.Is(err, proto.ErrUnsupported):
		s.protocolError(ctx, "unsupported", err)
		return "unsupported message"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	case errors.As(err, &netErr) && netErr.Timeout():
		if ctx.Err() != nil {
			return "server shutdown"
		}
		select {
		case <-s.closed:
			return "closed"
		default:
		}
		logger.InfoCtx(ctx, "Session idle timeout", "timeout", s.adapter.config.IdleTimeout)
		return "idle timeout"
	default:
		logger.DebugCtx(ctx, "Error reading from connection", logger.Err(err))
		return "read error"
	}
}

func (s *Session) protocolError(ctx context.Context, reason string, err error) {
	logger.WarnCtx(ctx, "Closing session on protocol error", logger.Phase(s.Phase()), logger.Err(err))
	if s.adapter.metrics != nil {
		s.adapter.metrics.RecordProtocolError(reason)
	}
}

// handle routes one message according to the session phase. Replies to
// handshake requests are written here; URB replies are written by the
// reply goroutine.
func (s *Session) handle(ctx context.Context, msg proto.Message) error {
	phase := s.Phase()
	switch phase {
	case PhaseHandshake:
		switch m := msg.(type) {
		case *proto.DevListRequest:
			return s.handleDevList(ctx)
		case *proto.ImportRequest:
			return s.handleImport(ctx, m)
		}
	case PhaseAttached:
		switch m := msg.(type) {
		case *proto.SubmitRequest:
			return s.handleSubmit(ctx, m)
		case *proto.UnlinkRequest:
			return s.handleUnlink(ctx, m)
		}
	}
	return violation("%s in %s phase", msg.Name(), phase)
}

func (s *Session) handleDevList(ctx context.Context) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDevList)
	defer span.End()

	entries := s.adapter.registry.List()
	reply := &proto.DevListReply{Status: proto.StatusOK, Devices: make([]proto.DeviceRecord, 0, len(entries))}
	for _, e := range entries {
		reply.Devices = append(reply.Devices, proto.RecordFromDevice(e.Device))
	}

	err := s.write(reply)
	s.adapter.recordRequest("OP_REQ_DEVLIST", start, resultLabel(err))
	logger.DebugCtx(ctx, "Device list sent", "count", len(entries))
	return err
}

func (s *Session) handleImport(ctx context.Context, req *proto.ImportRequest) error {
	start := time.Now()
	ctx = logger.WithContext(ctx, logger.FromContext(ctx).WithBusID(req.BusID))
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanImport, trace.WithAttributes(telemetry.BusID(req.BusID)))
	defer span.End()

	binding, err := s.attach(ctx, req.BusID)
	if errors.Is(err, ErrSessionClosed) {
		return err
	}
	if err != nil {
		perr := s.adapter.MapError(err)
		telemetry.RecordError(ctx, err)
		logger.InfoCtx(ctx, "Import refused", logger.Status(int32(perr.Code())), logger.Err(err))
		if s.adapter.metrics != nil {
			s.adapter.metrics.RecordImport(req.BusID, perr.Message())
		}
		werr := s.write(&proto.ImportReply{Status: perr.Code()})
		s.adapter.recordRequest("OP_REQ_IMPORT", start, perr.Message())
		return werr
	}

	rec := proto.RecordFromDevice(binding.Device())
	if !s.phase.CompareAndSwap(int32(PhaseHandshake), int32(PhaseAttached)) {
		// close already ran and released the binding.
		return ErrSessionClosed
	}
	if err := s.write(&proto.ImportReply{Status: proto.StatusOK, Device: &rec}); err != nil {
		return err
	}
	s.adapter.recordRequest("OP_REQ_IMPORT", start, "ok")
	if s.adapter.metrics != nil {
		s.adapter.metrics.RecordImport(req.BusID, proto.StatusName(proto.StatusOK))
	}
	logger.InfoCtx(ctx, "Device attached", logger.DevID(binding.Device().DevID()))

	// Replies start only after the import reply is on the wire.
	s.replies.Add(1)
	go s.replyLoop(ctx)
	go s.watchRevocation(ctx, binding)
	return nil
}

// attach reserves the device, claims it in the backend and opens the
// dispatcher queue, undoing earlier steps when a later one fails.
func (s *Session) attach(ctx context.Context, busID string) (*registry.Binding, error) {
	binding, err := s.adapter.registry.Reserve(busID, s.id)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.backend.Claim(busID); err != nil {
		s.adapter.registry.Release(busID, s.id)
		return nil, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	queue, err := s.adapter.dispatcher.Open(s.id)
	if err != nil {
		_ = s.adapter.backend.Release(busID)
		s.adapter.registry.Release(busID, s.id)
		return nil, err
	}

	// close marks the session closed before reading the binding: it either
	// releases what is published here or the import undoes itself.
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		s.adapter.dispatcher.CancelAll(s.id)
		_ = s.adapter.backend.Release(busID)
		s.adapter.registry.Release(busID, s.id)
		logger.DebugCtx(ctx, "Session closed during import", logger.BusID(busID))
		return nil, ErrSessionClosed
	default:
	}
	s.binding = binding
	s.queue = queue
	s.mu.Unlock()
	logger.DebugCtx(ctx, "Device reserved", logger.BusID(busID))
	return binding, nil
}

func (s *Session) handleSubmit(ctx context.Context, req *proto.SubmitRequest) error {
	dev := s.binding.Device()
	if req.DevID != dev.DevID() {
		return violation("CMD_SUBMIT for devid %#x, attached %#x", req.DevID, dev.DevID())
	}

	sub := &transfer.Submission{
		SeqNum:  req.SeqNum,
		Device:  dev,
		Request: toBackendRequest(req),
		Packets: req.NumberOfPackets,
	}
	if err := s.adapter.dispatcher.Submit(ctx, s.id, sub); err != nil {
		if errors.Is(err, transfer.ErrSessionClosed) {
			return err
		}
		return violation("%v", err)
	}
	return nil
}

func (s *Session) handleUnlink(ctx context.Context, req *proto.UnlinkRequest) error {
	dev := s.binding.Device()
	if req.DevID != dev.DevID() {
		return violation("CMD_UNLINK for devid %#x, attached %#x", req.DevID, dev.DevID())
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanUnlink, trace.WithAttributes(telemetry.SeqNum(req.UnlinkSeqNum)))
	defer span.End()

	_, err := s.adapter.dispatcher.Cancel(ctx, s.id, req.SeqNum, req.UnlinkSeqNum)
	return err
}

func toBackendRequest(req *proto.SubmitRequest) *backend.Request {
	r := &backend.Request{
		Endpoint:      uint8(req.Endpoint),
		In:            req.Direction == proto.DirIn,
		TransferFlags: req.TransferFlags,
		Length:        int(req.TransferBufferLength),
		Data:          req.Data,
		StartFrame:    req.StartFrame,
		Interval:      req.Interval,
	}
	if r.IsControl() {
		r.Setup = append([]byte(nil), req.Setup[:]...)
	}
	if req.IsIsochronous() {
		r.ISOPackets = make([]backend.ISOPacket, len(req.ISOPackets))
		for i, p := range req.ISOPackets {
			r.ISOPackets[i] = backend.ISOPacket{
				Offset:       p.Offset,
				Length:       p.Length,
				ActualLength: p.ActualLength,
				Status:       p.Status,
			}
		}
	}
	return r
}

// watchRevocation closes the session when the registry force-releases its
// device.
func (s *Session) watchRevocation(ctx context.Context, b *registry.Binding) {
	select {
	case <-b.Revoked():
		logger.WarnCtx(ctx, "Attached device removed, closing session", logger.BusID(b.BusID()))
		s.close(ctx, "device removed")
	case <-s.closed:
	}
}

// close tears the session down exactly once: pending transfers are
// cancelled, the backend claim is dropped, the registry binding is released
// and the connection is closed. The binding goes last so that a new session
// cannot claim the device before this one let go of it.
func (s *Session) close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		prev := Phase(s.phase.Swap(int32(PhaseClosing)))
		close(s.closed)

		if b := s.currentBinding(); b != nil {
			s.adapter.dispatcher.CancelAll(s.id)
			if err := s.adapter.backend.Release(b.BusID()); err != nil {
				logger.DebugCtx(ctx, "Backend release failed", logger.BusID(b.BusID()), logger.Err(err))
			}
			s.adapter.registry.Release(b.BusID(), s.id)
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.DebugCtx(ctx, "Error closing connection", logger.Err(err))
		}
		logger.DebugCtx(ctx, "Session closed", logger.Phase(prev), "reason", reason,
			logger.DurationMs(logger.FromContext(ctx).DurationMs()))
	})
}
