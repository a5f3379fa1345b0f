// Package usbip implements the USB/IP wire format: the control messages
// exchanged before a device is attached (device list, import) and the URB
// commands exchanged afterwards (submit, unlink).
//
// All multi-byte integers are big-endian. Control messages start with the
// protocol version 0x0111; command messages start with a 32-bit command
// code whose high half is always zero, which is how the two are told apart.
//
// The package is pure: encoding and decoding never touch session state.
package usbip

// Version is the only protocol version spoken.
const Version uint16 = 0x0111

// Control operation codes.
const (
	OpReqDevList uint16 = 0x8005
	OpRepDevList uint16 = 0x0005
	OpReqImport  uint16 = 0x8003
	OpRepImport  uint16 = 0x0003
)

// Command codes.
const (
	CmdSubmit uint32 = 0x00000001
	CmdUnlink uint32 = 0x00000002
	RetSubmit uint32 = 0x00000003
	RetUnlink uint32 = 0x00000004
)

// Transfer directions, from the host's point of view.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// Control reply status codes.
const (
	StatusOK      uint32 = 0 // request completed successfully
	StatusNA      uint32 = 1 // request not available
	StatusDevBusy uint32 = 2 // device already exported to another client
	StatusDevErr  uint32 = 3 // device could not be claimed
	StatusNoDev   uint32 = 4 // no device with the requested bus id
	StatusError   uint32 = 5 // unexpected failure
)

// URB completion status values are negated Linux errno codes.
const (
	ErrnoENOENT     int32 = -2
	ErrnoEIO        int32 = -5
	ErrnoENOMEM     int32 = -12
	ErrnoENODEV     int32 = -19
	ErrnoEINVAL     int32 = -22
	ErrnoEPIPE      int32 = -32
	ErrnoEOVERFLOW  int32 = -75
	ErrnoECONNRESET int32 = -104
	ErrnoESHUTDOWN  int32 = -108
	ErrnoETIMEDOUT  int32 = -110
)

// Wire sizes.
const (
	ControlHeaderSize   = 8
	CommandHeaderSize   = 48
	BusIDSize           = 32
	PathSize            = 256
	DeviceRecordSize    = 312
	InterfaceRecordSize = 4
	ISODescriptorSize   = 16
	SetupSize           = 8
	ImportRequestSize   = ControlHeaderSize + BusIDSize
)

// Defaults used when DecodeOptions leaves a limit unset.
const (
	DefaultMaxTransferSize = 16 << 20
	DefaultMaxISOPackets   = 1024
	DefaultMaxDevices      = 4096
)

// OpName returns the conventional name of a control operation code.
func OpName(code uint16) string {
	switch code {
	case OpReqDevList:
		return "OP_REQ_DEVLIST"
	case OpRepDevList:
		return "OP_REP_DEVLIST"
	case OpReqImport:
		return "OP_REQ_IMPORT"
	case OpRepImport:
		return "OP_REP_IMPORT"
	}
	return "OP_UNKNOWN"
}

// CommandName returns the conventional name of a command code.
func CommandName(code uint32) string {
	switch code {
	case CmdSubmit:
		return "CMD_SUBMIT"
	case CmdUnlink:
		return "CMD_UNLINK"
	case RetSubmit:
		return "RET_SUBMIT"
	case RetUnlink:
		return "RET_UNLINK"
	}
	return "CMD_UNKNOWN"
}

// StatusName returns a short description of a control reply status.
func StatusName(st uint32) string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusNA:
		return "not available"
	case StatusDevBusy:
		return "device busy"
	case StatusDevErr:
		return "device error"
	case StatusNoDev:
		return "no such device"
	case StatusError:
		return "error"
	}
	return "unknown"
}
