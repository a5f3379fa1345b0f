package metrics

import "time"

// ServerMetrics provides observability for the USB/IP listener and sessions.
//
// Pass nil to disable collection.
type ServerMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed after the
	// shutdown timeout expired.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordRequest records a handled control or command message.
	//
	// Parameters:
	//   - op: wire name, e.g. "OP_REQ_IMPORT" or "CMD_SUBMIT"
	//   - duration: time spent handling it
	//   - status: "ok" or a short failure reason
	RecordRequest(op string, duration time.Duration, status string)

	// RecordImport records the outcome of an import request.
	RecordImport(busID string, status string)

	// RecordProtocolError counts sessions closed for protocol violations.
	RecordProtocolError(reason string)
}

// TransferMetrics provides observability for URB dispatching.
//
// Pass nil to disable collection.
type TransferMetrics interface {
	// RecordSubmitted counts a URB handed to the backend.
	RecordSubmitted(transferType string, direction string)

	// RecordCompleted records a URB completion.
	//
	// Parameters:
	//   - transferType: "control", "bulk", "interrupt" or "isochronous"
	//   - direction: "in" or "out"
	//   - status: 0 on success, negated errno otherwise
	//   - bytes: actual length transferred
	//   - duration: time between submission and completion
	RecordCompleted(transferType string, direction string, status int32, bytes int, duration time.Duration)

	// RecordUnlink records the result of an unlink: "cancelled",
	// "completed" or "not_found".
	RecordUnlink(result string)

	// RecordDiscarded counts backend completions dropped because their
	// transfer was cancelled or its session had closed.
	RecordDiscarded()

	// SetPending updates the number of URBs in flight across all sessions.
	SetPending(count int)
}

// RegistryMetrics provides observability for the device registry.
//
// Pass nil to disable collection.
type RegistryMetrics interface {
	// SetDevices updates the number of devices per state.
	SetDevices(available, exported int)

	// RecordEvent counts registry events by type.
	RecordEvent(eventType string)
}
