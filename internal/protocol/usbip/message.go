package usbip

// Message is one USB/IP protocol message. The set of implementations is
// closed: DevListRequest, DevListReply, ImportRequest, ImportReply,
// SubmitRequest, SubmitReply, UnlinkRequest and UnlinkReply, always used
// through pointers.
type Message interface {
	// Name is the conventional wire name, e.g. "OP_REQ_IMPORT".
	Name() string
	message()
}

// DevListRequest asks for the list of exportable devices.
type DevListRequest struct{}

// DevListReply lists exportable devices.
type DevListReply struct {
	Status  uint32
	Devices []DeviceRecord
}

// ImportRequest asks to attach the device with the given bus id.
type ImportRequest struct {
	BusID string
}

// ImportReply answers an ImportRequest. Device is present only when Status
// is StatusOK.
type ImportReply struct {
	Status uint32
	Device *DeviceRecord
}

// ISOPacket is one isochronous packet descriptor.
type ISOPacket struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       int32
}

// SubmitRequest is CMD_SUBMIT: a URB sent by the client.
type SubmitRequest struct {
	SeqNum    uint32
	DevID     uint32
	Direction uint32
	Endpoint  uint32

	TransferFlags        uint32
	TransferBufferLength int32
	StartFrame           int32
	NumberOfPackets      int32 // 0 or -1 for non-isochronous transfers
	Interval             int32
	Setup                [SetupSize]byte

	// Data is the OUT payload; always empty for IN transfers.
	Data       []byte
	ISOPackets []ISOPacket
}

// IsIsochronous reports whether the request carries ISO packet descriptors.
func (r *SubmitRequest) IsIsochronous() bool { return r.NumberOfPackets > 0 }

// SubmitReply is RET_SUBMIT: the completion of a URB.
type SubmitReply struct {
	SeqNum uint32

	// Direction is not transmitted (the header carries zero). It selects
	// whether Data is written after the header, and is filled in on decode
	// from DecodeOptions.ReplyDirection.
	Direction uint32

	Status          int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32

	// Data is the IN payload, ActualLength bytes long.
	Data       []byte
	ISOPackets []ISOPacket
}

// UnlinkRequest is CMD_UNLINK: cancel the pending URB UnlinkSeqNum.
type UnlinkRequest struct {
	SeqNum       uint32
	DevID        uint32
	Direction    uint32
	Endpoint     uint32
	UnlinkSeqNum uint32
}

// UnlinkReply is RET_UNLINK. Status is ErrnoECONNRESET when the URB was
// cancelled and 0 when it had already completed.
type UnlinkReply struct {
	SeqNum uint32
	Status int32
}

func (*DevListRequest) Name() string { return OpName(OpReqDevList) }
func (*DevListReply) Name() string   { return OpName(OpRepDevList) }
func (*ImportRequest) Name() string  { return OpName(OpReqImport) }
func (*ImportReply) Name() string    { return OpName(OpRepImport) }
func (*SubmitRequest) Name() string  { return CommandName(CmdSubmit) }
func (*SubmitReply) Name() string    { return CommandName(RetSubmit) }
func (*UnlinkRequest) Name() string  { return CommandName(CmdUnlink) }
func (*UnlinkReply) Name() string    { return CommandName(RetUnlink) }

func (*DevListRequest) message() {}
func (*DevListReply) message()   {}
func (*ImportRequest) message()  {}
func (*ImportReply) message()    {}
func (*SubmitRequest) message()  {}
func (*SubmitReply) message()    {}
func (*UnlinkRequest) message()  {}
func (*UnlinkReply) message()    {}
