package adapter

// ProtocolError is a domain error translated to a protocol status code.
//
// For USB/IP the code is the operation status of an OP_REP_* reply, e.g.
// ST_DEV_BUSY (2) when the requested device is exported to another client.
//
// ProtocolError supports errors.Is() via Unwrap(), so callers can match both
// the protocol-level error and the underlying domain error.
type ProtocolError interface {
	error

	// Code returns the numeric protocol status code.
	Code() uint32

	// Message returns a human-readable description of the status.
	Message() string

	// Unwrap returns the underlying domain error.
	Unwrap() error
}
