// Package transfer correlates URB submissions from USB/IP sessions with the
// asynchronous completions of a backend.
//
// Each session opens a Queue and submits transfers under client chosen
// seqnums. The Dispatcher hands them to the backend, maps the returned
// handles back to (session, seqnum), and pushes completion and unlink
// events to the session queue in the order they are decided. A completion
// and a cancellation of the same transfer race for the dispatcher lock; the
// first one wins and the other becomes a no-op.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/dittousb/internal/logger"
	"github.com/marmos91/dittousb/internal/telemetry"
	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/device"
	"github.com/marmos91/dittousb/pkg/metrics"
)

// DefaultMaxPendingPerSession bounds the transfers a session may have in flight.
const DefaultMaxPendingPerSession = 1024

// DefaultMaxQueuedEvents bounds the replies waiting to be written to one
// session.
const DefaultMaxQueuedEvents = 4096

// DefaultRecentCompletions is the number of completed seqnums remembered per
// session to answer late unlinks.
const DefaultRecentCompletions = 256

var (
	// ErrDuplicateSeqNum is returned by Submit when the seqnum is already pending.
	ErrDuplicateSeqNum = errors.New("transfer: seqnum already pending")

	// ErrSessionClosed is returned for sessions that were never opened or
	// were torn down by CancelAll.
	ErrSessionClosed = errors.New("transfer: session closed")

	// ErrSessionExists is returned by Open for an id that is already open.
	ErrSessionExists = errors.New("transfer: session already open")

	// ErrQueueOverflow is returned by Queue.Next when the session fell too
	// far behind in reading its replies.
	ErrQueueOverflow = errors.New("transfer: reply queue overflow")

	// ErrTooManyPending is attached to the failed completion of a submission
	// that exceeded MaxPendingPerSession.
	ErrTooManyPending = errors.New("transfer: too many pending transfers")
)

// Config holds configuration for the Dispatcher.
type Config struct {
	// MaxPendingPerSession is the number of in-flight transfers allowed per
	// session. Default: 1024
	MaxPendingPerSession int

	// MaxQueuedEvents is the number of unwritten replies allowed per
	// session before its queue overflows. Default: 4096
	MaxQueuedEvents int

	// RecentCompletions is the per-session number of completed seqnums kept
	// for unlink lookups. Default: 256
	RecentCompletions int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxPendingPerSession: DefaultMaxPendingPerSession,
		MaxQueuedEvents:      DefaultMaxQueuedEvents,
		RecentCompletions:    DefaultRecentCompletions,
	}
}

// CancelResult is the outcome of Cancel.
type CancelResult int

const (
	// NotFound means the seqnum was neither pending nor recently completed.
	NotFound CancelResult = iota

	// Cancelled means the transfer was removed before it completed. Its
	// completion, if the backend still produces one, is discarded.
	Cancelled

	// Completed means the transfer had already completed; its result was
	// or will be delivered as a normal completion.
	Completed
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	default:
		return "not_found"
	}
}

// Submission is a transfer request of one session.
type Submission struct {
	SeqNum  uint32
	Device  *device.Device
	Request *backend.Request

	// Packets is the wire number_of_packets of the request, echoed back in
	// the completion of non-isochronous transfers.
	Packets int32
}

type pendingTransfer struct {
	sess    *sessionState
	seq     uint32
	handle  backend.Handle
	in      bool
	packets int32
	kind    string
	start   time.Time
	span    trace.Span

	// submitting is set while the backend call of Submit runs; handle is
	// not valid yet.
	submitting bool
}

type sessionState struct {
	id      string
	queue   *Queue
	pending map[uint32]*pendingTransfer
	recent  *lru.Cache[uint32, struct{}]
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Sessions int
	Pending  int
}

// Dispatcher routes transfers between sessions and a backend.
type Dispatcher struct {
	backend backend.Backend
	config  Config
	metrics metrics.TransferMetrics

	mu         sync.Mutex
	sessions   map[string]*sessionState
	handles    map[backend.Handle]*pendingTransfer
	early      map[backend.Handle]backend.Completion // completions that beat their Submit
	submitting int
	total      int
}

// New creates a Dispatcher for b. Run must be started to deliver completions.
//
// Parameters:
//   - b: backend executing the transfers
//   - config: limits, zero values are replaced by defaults
//   - m: metrics sink, nil disables collection
func New(b backend.Backend, config Config, m metrics.TransferMetrics) *Dispatcher {
	if config.MaxPendingPerSession <= 0 {
		config.MaxPendingPerSession = DefaultMaxPendingPerSession
	}
	if config.MaxQueuedEvents <= 0 {
		config.MaxQueuedEvents = DefaultMaxQueuedEvents
	}
	if config.RecentCompletions <= 0 {
		config.RecentCompletions = DefaultRecentCompletions
	}
	return &Dispatcher{
		backend:  b,
		config:   config,
		metrics:  m,
		sessions: make(map[string]*sessionState),
		handles:  make(map[backend.Handle]*pendingTransfer),
		early:    make(map[backend.Handle]backend.Completion),
	}
}

// Open registers a session and returns the queue its events are pushed to.
func (d *Dispatcher) Open(sessionID string) (*Queue, error) {
	recent, err := lru.New[uint32, struct{}](d.config.RecentCompletions)
	if err != nil {
		return nil, fmt.Errorf("create completion cache: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[sessionID]; ok {
		return nil, ErrSessionExists
	}
	s := &sessionState{
		id:      sessionID,
		queue:   newQueue(d.config.MaxQueuedEvents),
		pending: make(map[uint32]*pendingTransfer),
		recent:  recent,
	}
	d.sessions[sessionID] = s
	return s.queue, nil
}

// Submit hands a transfer to the backend.
//
// Only ErrDuplicateSeqNum and ErrSessionClosed are returned; both mean the
// session cannot continue. Resource limits and backend refusals are reported
// to the client as a failed completion pushed to the session queue.
//
// The seqnum is reserved before the backend is called and the dispatcher
// lock is not held during the call. Completions that arrive before the
// handle is recorded are parked, and an unlink that lands in that window
// cancels the transfer once the handle is known.
func (d *Dispatcher) Submit(ctx context.Context, sessionID string, sub *Submission) error {
	req := sub.Request
	kind := transferType(sub.Device, req)
	dir := direction(req.In)

	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return ErrSessionClosed
	}
	if _, dup := s.pending[sub.SeqNum]; dup {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicateSeqNum, sub.SeqNum)
	}
	if len(s.pending) >= d.config.MaxPendingPerSession {
		d.failLocked(s, sub, backend.StatusNoMemory, ErrTooManyPending)
		d.mu.Unlock()
		logger.WarnCtx(ctx, "Transfer rejected", logger.SeqNum(sub.SeqNum), logger.Err(ErrTooManyPending))
		return nil
	}

	_, span := telemetry.StartSpan(ctx, telemetry.SpanURB,
		trace.WithAttributes(telemetry.URBAttributes(sub.SeqNum, req.Endpoint, req.In, kind, req.Length)...))
	p := &pendingTransfer{
		sess:       s,
		seq:        sub.SeqNum,
		in:         req.In,
		packets:    sub.Packets,
		kind:       kind,
		start:      time.Now(),
		span:       span,
		submitting: true,
	}
	s.pending[sub.SeqNum] = p
	d.total++
	d.submitting++
	d.mu.Unlock()

	h, err := d.backend.SubmitTransfer(sub.Device, req)

	d.mu.Lock()
	d.submitting--
	early, parked := d.early[h]
	if err == nil {
		delete(d.early, h)
	}
	if d.submitting == 0 {
		clear(d.early)
	}
	// Cancel and CancelAll remove p while the backend call runs.
	live := s.pending[sub.SeqNum] == p
	p.submitting = false

	if err != nil {
		status := submitStatus(err)
		if live {
			delete(s.pending, sub.SeqNum)
			d.total--
			d.failLocked(s, sub, status, err)
		}
		d.mu.Unlock()
		if live {
			telemetry.EndURB(span, status, 0)
		}
		logger.WarnCtx(ctx, "Backend refused transfer",
			logger.SeqNum(sub.SeqNum), logger.Status(status), logger.Err(err))
		return nil
	}

	if !live {
		d.mu.Unlock()
		if cerr := d.backend.CancelTransfer(h); cerr != nil && !errors.Is(cerr, backend.ErrUnknownHandle) {
			logger.WarnCtx(ctx, "Backend cancel failed", logger.SeqNum(sub.SeqNum), logger.Err(cerr))
		}
		logger.DebugCtx(ctx, "Transfer unlinked during submission", logger.SeqNum(sub.SeqNum))
		return nil
	}

	p.handle = h
	if parked {
		total := d.deliverLocked(p, early.Result)
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordSubmitted(kind, dir)
		}
		d.finish(p, early.Result, total)
		return nil
	}
	d.handles[h] = p
	total := d.total
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.RecordSubmitted(kind, dir)
		d.metrics.SetPending(total)
	}
	logger.DebugCtx(ctx, "Transfer submitted",
		logger.SeqNum(sub.SeqNum), logger.Endpoint(uint32(req.Endpoint)), logger.Length(req.Length))
	return nil
}

// failLocked pushes a failed completion for a submission that never reached
// the backend. d.mu must be held.
func (d *Dispatcher) failLocked(s *sessionState, sub *Submission, status int32, err error) {
	s.recent.Add(sub.SeqNum, struct{}{})
	s.queue.push(Event{
		Kind:    EventCompleted,
		SeqNum:  sub.SeqNum,
		In:      sub.Request.In,
		Packets: sub.Packets,
		Result:  failedResult(sub.Request, status),
		Err:     err,
	})
	if d.metrics != nil {
		d.metrics.RecordCompleted(transferType(sub.Device, sub.Request), direction(sub.Request.In), status, 0, 0)
	}
}

// Run delivers backend completions until ctx is done or the backend closes
// its completion channel.
func (d *Dispatcher) Run(ctx context.Context) error {
	completions := d.backend.Completions()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-completions:
			if !ok {
				return nil
			}
			d.complete(c)
		}
	}
}

func (d *Dispatcher) complete(c backend.Completion) {
	d.mu.Lock()
	p, ok := d.handles[c.Handle]
	if !ok {
		if d.submitting > 0 {
			// The handle may belong to a submission that has not been
			// recorded yet.
			d.early[c.Handle] = c
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordDiscarded()
		}
		logger.Debug("Discarding completion of unknown transfer", "handle", uint64(c.Handle))
		return
	}
	delete(d.handles, c.Handle)
	total := d.deliverLocked(p, c.Result)
	d.mu.Unlock()

	d.finish(p, c.Result, total)
}

// deliverLocked moves p from pending to recent and queues its completion.
// d.mu must be held. It returns the new in-flight total.
func (d *Dispatcher) deliverLocked(p *pendingTransfer, r backend.Result) int {
	delete(p.sess.pending, p.seq)
	d.total--
	p.sess.recent.Add(p.seq, struct{}{})
	p.sess.queue.push(Event{
		Kind:    EventCompleted,
		SeqNum:  p.seq,
		In:      p.in,
		Packets: p.packets,
		Result:  r,
	})
	return d.total
}

func (d *Dispatcher) finish(p *pendingTransfer, r backend.Result, total int) {
	telemetry.EndURB(p.span, r.Status, r.ActualLength)
	if d.metrics != nil {
		d.metrics.RecordCompleted(p.kind, direction(p.in), r.Status, r.ActualLength, time.Since(p.start))
		d.metrics.SetPending(total)
	}
}

// Cancel resolves an unlink request of a session. The RET_UNLINK event for
// unlinkSeq is pushed to the session queue before Cancel returns, so it is
// always ordered after a completion of seq that won the race.
func (d *Dispatcher) Cancel(ctx context.Context, sessionID string, unlinkSeq, seq uint32) (CancelResult, error) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return NotFound, ErrSessionClosed
	}

	result := NotFound
	status := backend.StatusOK
	backendCancel := false
	p, pending := s.pending[seq]
	switch {
	case pending:
		delete(s.pending, seq)
		// A transfer still being submitted is cancelled by Submit.
		if !p.submitting {
			delete(d.handles, p.handle)
			backendCancel = true
		}
		d.total--
		result = Cancelled
		status = backend.StatusConnReset
	case s.recent.Contains(seq):
		result = Completed
	}
	total := d.total
	s.queue.push(Event{Kind: EventUnlinked, SeqNum: unlinkSeq, Result: backend.Result{Status: status}})
	d.mu.Unlock()

	if result == Cancelled {
		if backendCancel {
			if err := d.backend.CancelTransfer(p.handle); err != nil && !errors.Is(err, backend.ErrUnknownHandle) {
				logger.WarnCtx(ctx, "Backend cancel failed", logger.SeqNum(seq), logger.Err(err))
			}
		}
		telemetry.EndURB(p.span, backend.StatusConnReset, 0)
		if d.metrics != nil {
			d.metrics.SetPending(total)
		}
	}
	if d.metrics != nil {
		d.metrics.RecordUnlink(result.String())
	}
	logger.DebugCtx(ctx, "Unlink resolved", logger.SeqNum(seq), "result", result.String())
	return result, nil
}

// CancelAll tears down a session: its pending transfers are removed and
// cancelled in the backend, and its queue is closed. Calling it again, or
// for an unknown session, does nothing.
func (d *Dispatcher) CancelAll(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, sessionID)
	cancelled := make([]*pendingTransfer, 0, len(s.pending))
	var handles []backend.Handle
	for _, p := range s.pending {
		if !p.submitting {
			delete(d.handles, p.handle)
			handles = append(handles, p.handle)
		}
		cancelled = append(cancelled, p)
	}
	d.total -= len(cancelled)
	total := d.total
	s.pending = nil
	s.queue.close()
	d.mu.Unlock()

	for _, h := range handles {
		if err := d.backend.CancelTransfer(h); err != nil && !errors.Is(err, backend.ErrUnknownHandle) {
			logger.Debug("Backend cancel failed during teardown",
				logger.SessionID(sessionID), "handle", uint64(h), logger.Err(err))
		}
	}
	for _, p := range cancelled {
		telemetry.EndURB(p.span, backend.StatusShutdown, 0)
	}
	if d.metrics != nil {
		d.metrics.SetPending(total)
	}
	if len(cancelled) > 0 {
		logger.Debug("Session transfers cancelled", logger.SessionID(sessionID), "count", len(cancelled))
	}
}

// Pending returns the number of in-flight transfers of a session.
func (d *Dispatcher) Pending(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		return len(s.pending)
	}
	return 0
}

// Stats returns the number of open sessions and in-flight transfers.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Sessions: len(d.sessions), Pending: d.total}
}

func submitStatus(err error) int32 {
	switch {
	case errors.Is(err, backend.ErrNoDevice), errors.Is(err, backend.ErrNotClaimed):
		return backend.StatusNoDevice
	case errors.Is(err, backend.ErrClosed):
		return backend.StatusShutdown
	default:
		return backend.StatusInvalid
	}
}

func failedResult(req *backend.Request, status int32) backend.Result {
	r := backend.Result{Status: status}
	if len(req.ISOPackets) > 0 {
		r.ErrorCount = int32(len(req.ISOPackets))
		r.ISOPackets = make([]backend.ISOPacket, len(req.ISOPackets))
		for i, pkt := range req.ISOPackets {
			r.ISOPackets[i] = backend.ISOPacket{Offset: pkt.Offset, Length: pkt.Length, Status: status}
		}
	}
	return r
}

func transferType(dev *device.Device, req *backend.Request) string {
	if req.IsControl() {
		return "control"
	}
	if len(req.ISOPackets) > 0 {
		return "isochronous"
	}
	if dev != nil {
		if ep, ok := dev.FindEndpoint(req.Endpoint, req.In); ok {
			switch ep.Type() {
			case device.TransferBulk:
				return "bulk"
			case device.TransferInterrupt:
				return "interrupt"
			case device.TransferIsochronous:
				return "isochronous"
			}
		}
	}
	return "bulk"
}

func direction(in bool) string {
	if in {
		return "in"
	}
	return "out"
}
