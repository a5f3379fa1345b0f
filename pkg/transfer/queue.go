package transfer

import (
	"context"
	"sync"

	"github.com/marmos91/dittousb/pkg/backend"
)

// EventKind distinguishes the replies a session writes for the dispatcher.
type EventKind int

const (
	// EventCompleted carries the outcome of a submitted transfer (RET_SUBMIT).
	EventCompleted EventKind = iota

	// EventUnlinked carries the answer to an unlink request (RET_UNLINK).
	EventUnlinked
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventUnlinked:
		return "unlinked"
	default:
		return "unknown"
	}
}

// Event is one reply owed to the client of a session.
//
// For EventCompleted, SeqNum is the seqnum of the submission and Result
// holds the transfer outcome. For EventUnlinked, SeqNum is the seqnum of
// the unlink request itself and only Result.Status is meaningful.
type Event struct {
	Kind    EventKind
	SeqNum  uint32
	In      bool
	Packets int32 // packet count of the submission, echoed for non-isochronous replies
	Result  backend.Result

	// Err is set when the dispatcher failed the transfer without the
	// backend, e.g. too many pending transfers.
	Err error
}

// Queue is the per-session FIFO of events. Producers never block. A push
// beyond the limit closes the queue with ErrQueueOverflow, which the owning
// session treats as fatal. Only the owning session consumes it.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	limit  int
	closed bool
	err    error
	notify chan struct{}
	done   chan struct{}
}

func newQueue(limit int) *Queue {
	return &Queue{
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *Queue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		q.closeLocked(ErrQueueOverflow)
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available and returns it. After the queue
// is closed, Next returns ErrSessionClosed, or ErrQueueOverflow if it
// overflowed, and queued events are dropped.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.closed {
			err := q.err
			q.mu.Unlock()
			return Event{}, err
		}
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked(ErrSessionClosed)
}

func (q *Queue) closeLocked(err error) {
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.items = nil
	close(q.done)
}
