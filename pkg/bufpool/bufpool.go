// Package bufpool recycles the buffers messages are encoded into before
// they are written to a connection.
//
// Buffers come in size classes. Get returns an empty slice whose capacity
// is the smallest class that fits the requested size, ready for
// append-style encoders. Sizes above the largest class are allocated
// directly and never pooled.
//
// USB/IP traffic is dominated by 48 byte command headers with small
// payloads, plus occasional bulk payloads of tens of kilobytes; the default
// classes follow that shape.
//
//	buf := bufpool.Get(n)
//	defer bufpool.Put(buf)
//	buf, err := usbip.AppendEncode(buf, msg)
package bufpool

import (
	"sort"
	"sync"
)

// DefaultClasses are the buffer capacities of the default pool.
var DefaultClasses = []int{
	512,     // headers, unlink replies, control transfers
	4 << 10, // interrupt and small bulk transfers
	64 << 10,
	1 << 20, // large bulk and isochronous transfers
}

type class struct {
	size int
	pool sync.Pool
}

// Pool is a set of size-classed buffer pools. Safe for concurrent use.
type Pool struct {
	classes []*class
}

// NewPool creates a pool with the given class sizes. Non-positive sizes are
// ignored; an empty list selects DefaultClasses.
func NewPool(sizes ...int) *Pool {
	var valid []int
	for _, s := range sizes {
		if s > 0 {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		valid = append(valid, DefaultClasses...)
	}
	sort.Ints(valid)

	p := &Pool{}
	for i, s := range valid {
		if i > 0 && s == valid[i-1] {
			continue
		}
		c := &class{size: s}
		c.pool.New = func() any {
			buf := make([]byte, 0, c.size)
			return &buf
		}
		p.classes = append(p.classes, c)
	}
	return p
}

// Get returns an empty buffer with capacity of at least size.
func (p *Pool) Get(size int) []byte {
	for _, c := range p.classes {
		if size <= c.size {
			return (*c.pool.Get().(*[]byte))[:0]
		}
	}
	return make([]byte, 0, size)
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a class, including those an encoder had to grow, are dropped.
func (p *Pool) Put(buf []byte) {
	for _, c := range p.classes {
		if cap(buf) == c.size {
			buf = buf[:0]
			c.pool.Put(&buf)
			return
		}
	}
}

// Classes returns the class sizes in ascending order.
func (p *Pool) Classes() []int {
	out := make([]int, len(p.classes))
	for i, c := range p.classes {
		out[i] = c.size
	}
	return out
}

var defaultPool = NewPool()

// Get returns a buffer from the default pool.
func Get(size int) []byte { return defaultPool.Get(size) }

// Put returns a buffer to the default pool.
func Put(buf []byte) { defaultPool.Put(buf) }
