package usbip

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer holds only part of a message.
	// Nothing was consumed; retry once more bytes are available.
	ErrIncomplete = errors.New("usbip: incomplete message")

	// ErrMalformed is matched by every MalformedError.
	ErrMalformed = errors.New("usbip: malformed message")

	// ErrUnsupported is matched by every UnsupportedError.
	ErrUnsupported = errors.New("usbip: unsupported operation")

	// ErrTruncated is returned by Reader when the stream ends in the
	// middle of a message. It matches ErrMalformed.
	ErrTruncated = &MalformedError{Reason: "stream ended mid-message"}
)

// MalformedError describes input that violates the wire format.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "usbip: malformed message: " + e.Reason
}

// Is makes errors.Is(err, ErrMalformed) succeed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedError reports a well-formed header carrying an operation or
// command code this implementation does not know.
type UnsupportedError struct {
	Control bool
	Code    uint32
}

func (e *UnsupportedError) Error() string {
	if e.Control {
		return fmt.Sprintf("usbip: unsupported operation code %#04x", e.Code)
	}
	return fmt.Sprintf("usbip: unsupported command code %#x", e.Code)
}

// Is makes errors.Is(err, ErrUnsupported) succeed.
func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}
