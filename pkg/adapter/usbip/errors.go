package usbip

import (
	"errors"
	"fmt"

	proto "github.com/marmos91/dittousb/internal/protocol/usbip"
	"github.com/marmos91/dittousb/pkg/adapter"
	"github.com/marmos91/dittousb/pkg/registry"
)

var (
	// ErrProtocolViolation closes a session: out-of-phase messages, a devid
	// that is not the attached device, reused seqnums.
	ErrProtocolViolation = errors.New("usbip: protocol violation")

	// ErrClaimFailed wraps backend errors raised while claiming an imported
	// device.
	ErrClaimFailed = errors.New("usbip: device claim failed")

	// ErrSessionClosed is returned when a session closes while an import
	// is in progress.
	ErrSessionClosed = errors.New("usbip: session closed")
)

// StatusError is an OP_REP_* status with the domain error that caused it.
type StatusError struct {
	status uint32
	err    error
}

var _ adapter.ProtocolError = (*StatusError)(nil)

func (e *StatusError) Error() string {
	return fmt.Sprintf("usbip: %s: %v", proto.StatusName(e.status), e.err)
}

// Code returns the wire status.
func (e *StatusError) Code() uint32 { return e.status }

// Message returns the status description.
func (e *StatusError) Message() string { return proto.StatusName(e.status) }

// Unwrap returns the domain error.
func (e *StatusError) Unwrap() error { return e.err }

// MapError translates registry and claim errors into import reply statuses.
func (a *Adapter) MapError(err error) adapter.ProtocolError {
	if err == nil {
		return nil
	}
	status := proto.StatusError
	switch {
	case errors.Is(err, registry.ErrBindConflict):
		status = proto.StatusDevBusy
	case errors.Is(err, registry.ErrNotFound):
		status = proto.StatusNoDev
	case errors.Is(err, ErrClaimFailed):
		status = proto.StatusDevErr
	}
	return &StatusError{status: status, err: err}
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
