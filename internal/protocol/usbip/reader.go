package usbip

import (
	"errors"
	"io"
)

const readChunk = 64 << 10

// Reader decodes a stream of messages from an io.Reader, accumulating
// partial reads until a whole message is buffered. It is not safe for
// concurrent use.
type Reader struct {
	r    io.Reader
	opts *DecodeOptions
	buf  []byte
	off  int // start of unconsumed data in buf
}

// NewReader returns a Reader decoding with opts, which may be nil.
func NewReader(r io.Reader, opts *DecodeOptions) *Reader {
	return &Reader{r: r, opts: opts}
}

// Buffered returns the number of bytes read but not yet decoded.
func (r *Reader) Buffered() int { return len(r.buf) - r.off }

// ReadMessage returns the next message. It returns io.EOF when the stream
// ends cleanly between messages and ErrTruncated when it ends inside one.
// Decode errors are returned as is; the stream cannot be resynchronized
// after a malformed or unsupported message.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		if r.Buffered() > 0 {
			msg, n, err := Decode(r.buf[r.off:], r.opts)
			if err == nil {
				r.off += n
				return msg, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				if r.Buffered() > 0 {
					return nil, ErrTruncated
				}
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// fill reads at least one more byte, compacting the buffer first.
func (r *Reader) fill() error {
	if r.off > 0 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	if cap(r.buf)-len(r.buf) < readChunk/4 {
		grown := make([]byte, len(r.buf), 2*cap(r.buf)+readChunk)
		copy(grown, r.buf)
		r.buf = grown
	}

	n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
