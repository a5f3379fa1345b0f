package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for USB/IP spans.
const (
	AttrClientAddr = "client.address"
	AttrSessionID  = "usbip.session_id"
	AttrBusID      = "usb.busid"
	AttrDevID      = "usbip.devid"
	AttrSeqNum     = "usbip.seqnum"
	AttrEndpoint   = "usb.endpoint"
	AttrDirection  = "usb.direction"
	AttrType       = "usb.transfer_type"
	AttrLength     = "usb.length"
	AttrActualLen  = "usb.actual_length"
	AttrStatus     = "usbip.status"
	AttrBackend    = "usbip.backend"
)

// Span names.
const (
	SpanSession = "usbip.session"
	SpanDevList = "usbip.OP_REQ_DEVLIST"
	SpanImport  = "usbip.OP_REQ_IMPORT"
	SpanURB     = "usbip.URB"
	SpanUnlink  = "usbip.CMD_UNLINK"
	SpanRefresh = "registry.refresh"
)

// ClientAddr returns an attribute for the remote address
func ClientAddr(addr string) attribute.KeyValue { return attribute.String(AttrClientAddr, addr) }

// SessionID returns an attribute for a session identifier
func SessionID(id string) attribute.KeyValue { return attribute.String(AttrSessionID, id) }

// BusID returns an attribute for a device bus id
func BusID(id string) attribute.KeyValue { return attribute.String(AttrBusID, id) }

// SeqNum returns an attribute for a URB sequence number
func SeqNum(seq uint32) attribute.KeyValue { return attribute.Int64(AttrSeqNum, int64(seq)) }

// URBAttributes describes a submitted URB.
func URBAttributes(seq uint32, endpoint uint8, in bool, transferType string, length int) []attribute.KeyValue {
	dir := "out"
	if in {
		dir = "in"
	}
	return []attribute.KeyValue{
		attribute.Int64(AttrSeqNum, int64(seq)),
		attribute.Int(AttrEndpoint, int(endpoint)),
		attribute.String(AttrDirection, dir),
		attribute.String(AttrType, transferType),
		attribute.Int(AttrLength, length),
	}
}

// EndURB records the outcome of a URB on span and ends it. A non-zero
// status marks the span as failed.
func EndURB(span trace.Span, status int32, actualLength int) {
	span.SetAttributes(
		attribute.Int(AttrStatus, int(status)),
		attribute.Int(AttrActualLen, actualLength),
	)
	if status != 0 {
		span.SetStatus(codes.Error, "urb failed")
	}
	span.End()
}
