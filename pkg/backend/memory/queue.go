package memory

import (
	"sync"

	"github.com/marmos91/dittousb/pkg/backend"
)

// completionQueue decouples producers holding the backend lock from the
// consumer of the Completions channel: push never blocks, a pump goroutine
// forwards items in order.
type completionQueue struct {
	mu     sync.Mutex
	items  []backend.Completion
	notify chan struct{}
	done   chan struct{}
	out    chan backend.Completion
	once   sync.Once
}

func newCompletionQueue() *completionQueue {
	q := &completionQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan backend.Completion),
	}
	go q.pump()
	return q
}

func (q *completionQueue) push(c backend.Completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *completionQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()

		for _, c := range items {
			select {
			case q.out <- c:
			case <-q.done:
				return
			}
		}

		select {
		case <-q.notify:
		case <-q.done:
			return
		}
	}
}

func (q *completionQueue) close() {
	q.once.Do(func() { close(q.done) })
}
