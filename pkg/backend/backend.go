// Package backend defines the contract between the USB/IP engine and the
// component that performs physical (or virtual) USB I/O.
//
// A Backend enumerates devices, reserves them for exclusive use while they
// are exported, and executes transfers asynchronously. Results are reported
// through the channel returned by Completions, never by calling back into
// the engine.
package backend

import (
	"context"
	"errors"

	"github.com/marmos91/dittousb/pkg/device"
)

// Handle identifies a submitted transfer within one backend.
type Handle uint64

// ISOPacket is an isochronous packet descriptor of a request or result.
type ISOPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// Request is a transfer to execute on one endpoint of a device.
type Request struct {
	Endpoint      uint8
	In            bool
	TransferFlags uint32
	Length        int    // size of the transfer buffer
	Setup         []byte // 8 byte setup packet, control transfers only
	Data          []byte // OUT payload
	StartFrame    int32
	Interval      int32
	ISOPackets    []ISOPacket
}

// IsControl reports whether the request targets the default control pipe.
func (r *Request) IsControl() bool { return r.Endpoint == 0 }

// Result is the outcome of a transfer. Status is zero on success and a
// negated errno otherwise.
type Result struct {
	Status       int32
	ActualLength int
	Data         []byte // IN payload, ActualLength bytes
	StartFrame   int32
	ErrorCount   int32
	ISOPackets   []ISOPacket
}

// Completion status values, as negated Linux errno codes.
const (
	StatusOK        int32 = 0
	StatusNoEntry   int32 = -2   // ENOENT: transfer was killed
	StatusNoMemory  int32 = -12  // ENOMEM: too many transfers in flight
	StatusNoDevice  int32 = -19  // ENODEV: device went away
	StatusInvalid   int32 = -22  // EINVAL: request not valid for the endpoint
	StatusStall     int32 = -32  // EPIPE: endpoint stalled
	StatusOverflow  int32 = -75  // EOVERFLOW: device sent more than requested
	StatusConnReset int32 = -104 // ECONNRESET: transfer was unlinked
	StatusShutdown  int32 = -108 // ESHUTDOWN: device or host controller shut down
)

// Completion pairs a Result with the handle returned at submission.
type Completion struct {
	Handle Handle
	Result Result
}

var (
	// ErrNotClaimed is returned when a transfer targets an unclaimed device.
	ErrNotClaimed = errors.New("backend: device not claimed")

	// ErrAlreadyClaimed is returned by Claim for a device already held.
	ErrAlreadyClaimed = errors.New("backend: device already claimed")

	// ErrNoDevice is returned for bus ids the backend does not know.
	ErrNoDevice = errors.New("backend: no such device")

	// ErrUnknownHandle is returned by CancelTransfer for handles that are
	// not in flight, typically because they already completed.
	ErrUnknownHandle = errors.New("backend: unknown transfer handle")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend: closed")
)

// Backend performs USB I/O on behalf of exported devices.
type Backend interface {
	// Name identifies the backend implementation in logs and metrics.
	Name() string

	// Enumerate returns the devices currently present.
	Enumerate(ctx context.Context) ([]*device.Device, error)

	// Claim takes exclusive control of a device before it is exported.
	Claim(busID string) error

	// Release returns a claimed device. Releasing an unclaimed device is a
	// no-op.
	Release(busID string) error

	// SubmitTransfer starts a transfer and returns immediately. The result is
	// delivered later on Completions. It must not block waiting for the
	// Completions channel to be drained.
	SubmitTransfer(dev *device.Device, req *Request) (Handle, error)

	// CancelTransfer asks the backend to abort a transfer. The transfer may
	// still produce a completion, either with its real result if it was
	// already finishing or with StatusConnReset. Like SubmitTransfer it must
	// not block on completion delivery.
	CancelTransfer(h Handle) error

	// Completions delivers transfer results. The channel is closed by Close.
	Completions() <-chan Completion

	// Close stops the backend and releases every claimed device.
	Close() error
}

// Watcher is implemented by backends that can signal that the device set
// changed and Enumerate should be called again.
type Watcher interface {
	Changes() <-chan struct{}
}
