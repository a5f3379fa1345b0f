package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys. Use them consistently so logs can be aggregated and
// queried across sessions.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Connection and session
	KeySessionID  = "session_id"
	KeyClientIP   = "client_ip"
	KeyClientAddr = "client_addr"
	KeyPhase      = "phase"

	// Devices
	KeyBusID     = "busid"
	KeyDevID     = "devid"
	KeyVendorID  = "vendor_id"
	KeyProductID = "product_id"
	KeyBackend   = "backend"

	// Wire protocol
	KeyCommand      = "command"
	KeySeqNum       = "seqnum"
	KeyUnlinkSeqNum = "unlink_seqnum"
	KeyEndpoint     = "endpoint"
	KeyDirection    = "direction"
	KeyStatus       = "status"
	KeyLength       = "length"
	KeyActualLength = "actual_length"
	KeyPackets      = "packets"
	KeyPending      = "pending"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyCount      = "count"
	KeyPath       = "path"
)

// TraceID returns a slog.Attr for an OpenTelemetry trace ID
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for an OpenTelemetry span ID
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// SessionID returns a slog.Attr for a session identifier
func SessionID(id string) slog.Attr { return slog.String(KeySessionID, id) }

// ClientIP returns a slog.Attr for the client IP address
func ClientIP(addr string) slog.Attr { return slog.String(KeyClientIP, addr) }

// Phase returns a slog.Attr for a session phase
func Phase(p fmt.Stringer) slog.Attr { return slog.String(KeyPhase, p.String()) }

// BusID returns a slog.Attr for a device bus id
func BusID(id string) slog.Attr { return slog.String(KeyBusID, id) }

// DevID returns a slog.Attr for a wire device id, formatted as bus-dev
func DevID(id uint32) slog.Attr {
	return slog.String(KeyDevID, fmt.Sprintf("%d-%d", id>>16, id&0xffff))
}

// VendorProduct returns the vendor and product ids as hex attributes
func VendorProduct(vid, pid uint16) []any {
	return []any{
		slog.String(KeyVendorID, fmt.Sprintf("%04x", vid)),
		slog.String(KeyProductID, fmt.Sprintf("%04x", pid)),
	}
}

// Command returns a slog.Attr for a wire operation name
func Command(name string) slog.Attr { return slog.String(KeyCommand, name) }

// SeqNum returns a slog.Attr for a URB sequence number
func SeqNum(seq uint32) slog.Attr { return slog.Uint64(KeySeqNum, uint64(seq)) }

// Endpoint returns a slog.Attr for an endpoint number
func Endpoint(ep uint32) slog.Attr { return slog.Uint64(KeyEndpoint, uint64(ep)) }

// Status returns a slog.Attr for a wire status code
func Status(code int32) slog.Attr { return slog.Int(KeyStatus, int(code)) }

// Length returns a slog.Attr for a requested transfer length
func Length(n int) slog.Attr { return slog.Int(KeyLength, n) }

// DurationMs returns a slog.Attr for a duration in milliseconds
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error. A nil error yields an empty attr
// that handlers skip.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
