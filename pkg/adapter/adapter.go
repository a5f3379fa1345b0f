// Package adapter contains the protocol-independent TCP server machinery:
// the listener, per-connection goroutines, connection limits and graceful
// shutdown. Protocol packages such as adapter/usbip plug into it with a
// ConnectionFactory.
package adapter

import "context"

// Adapter is a protocol server managed by the server runtime.
//
// Lifecycle:
//  1. Creation with protocol-specific configuration and collaborators
//  2. Serve() binds the listener and blocks until shutdown
//  3. Stop() initiates graceful shutdown, bounded by its context
//
// Implementations must be safe for concurrent use; Stop may be called while
// Serve is running, and more than once.
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled or the listener fails.
	//
	// Returns:
	//   - nil on graceful shutdown
	//   - an error if the listener cannot be bound or shutdown timed out
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown and waits for active connections up
	// to the context deadline. It is idempotent.
	Stop(ctx context.Context) error

	// Protocol returns the protocol name for logging and metrics.
	Protocol() string

	// Port returns the configured TCP port.
	Port() int

	// Addr returns the bound listener address, blocking until the listener
	// is ready. It returns "" if binding failed.
	Addr() string

	// MapError translates a domain error into a protocol status.
	//
	// Returns nil if the error has no protocol-specific mapping.
	MapError(err error) ProtocolError
}
