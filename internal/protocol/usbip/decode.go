package usbip

import (
	"bytes"
	"encoding/binary"
)

// DecodeOptions bounds what Decode accepts. Zero values select defaults.
type DecodeOptions struct {
	// MaxTransferSize caps transfer_buffer_length and actual_length.
	MaxTransferSize int

	// MaxISOPackets caps number_of_packets.
	MaxISOPackets int

	// MaxDevices caps the device count of a device list reply.
	MaxDevices int

	// ReplyDirection resolves the direction of the URB a RET_SUBMIT answers,
	// since the reply header does not carry it. When nil, or when it reports
	// false, the reply is decoded as an OUT completion with no payload.
	ReplyDirection func(seqnum uint32) (dir uint32, ok bool)
}

func (o *DecodeOptions) maxTransferSize() int {
	if o == nil || o.MaxTransferSize <= 0 {
		return DefaultMaxTransferSize
	}
	return o.MaxTransferSize
}

func (o *DecodeOptions) maxISOPackets() int {
	if o == nil || o.MaxISOPackets <= 0 {
		return DefaultMaxISOPackets
	}
	return o.MaxISOPackets
}

func (o *DecodeOptions) maxDevices() int {
	if o == nil || o.MaxDevices <= 0 {
		return DefaultMaxDevices
	}
	return o.MaxDevices
}

// Decode parses one message from the front of buf and returns it with the
// number of bytes consumed. When buf holds only a prefix of a message it
// returns ErrIncomplete and consumes nothing. Payloads are copied, so buf
// may be reused once Decode returns.
func Decode(buf []byte, opts *DecodeOptions) (Message, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrIncomplete
	}

	switch binary.BigEndian.Uint16(buf[0:2]) {
	case Version:
		return decodeControl(buf, opts)
	case 0x0000:
		return decodeCommand(buf, opts)
	default:
		return nil, 0, malformed("unknown message prefix %#04x", binary.BigEndian.Uint16(buf[0:2]))
	}
}

func decodeControl(buf []byte, opts *DecodeOptions) (Message, int, error) {
	if len(buf) < ControlHeaderSize {
		return nil, 0, ErrIncomplete
	}
	code := binary.BigEndian.Uint16(buf[2:4])
	status := binary.BigEndian.Uint32(buf[4:8])
	body := buf[ControlHeaderSize:]

	switch code {
	case OpReqDevList:
		return &DevListRequest{}, ControlHeaderSize, nil

	case OpReqImport:
		if len(body) < BusIDSize {
			return nil, 0, ErrIncomplete
		}
		busid, err := fixedString(body[:BusIDSize], "busid")
		if err != nil {
			return nil, 0, err
		}
		return &ImportRequest{BusID: busid}, ImportRequestSize, nil

	case OpRepImport:
		if status != StatusOK {
			return &ImportReply{Status: status}, ControlHeaderSize, nil
		}
		if len(body) < DeviceRecordSize {
			return nil, 0, ErrIncomplete
		}
		rec, err := decodeDeviceRecord(body[:DeviceRecordSize])
		if err != nil {
			return nil, 0, err
		}
		return &ImportReply{Status: status, Device: &rec}, ControlHeaderSize + DeviceRecordSize, nil

	case OpRepDevList:
		return decodeDevListReply(buf, status, opts)

	default:
		return nil, 0, &UnsupportedError{Control: true, Code: uint32(code)}
	}
}

func fixedString(b []byte, field string) (string, error) {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		return "", malformed("%s is not NUL terminated", field)
	}
	return string(b[:n]), nil
}

func decodeDeviceRecord(b []byte) (DeviceRecord, error) {
	path, err := fixedString(b[0:PathSize], "path")
	if err != nil {
		return DeviceRecord{}, err
	}
	busid, err := fixedString(b[PathSize:PathSize+BusIDSize], "busid")
	if err != nil {
		return DeviceRecord{}, err
	}

	p := b[PathSize+BusIDSize:]
	return DeviceRecord{
		Path:               path,
		BusID:              busid,
		BusNum:             binary.BigEndian.Uint32(p[0:4]),
		DevNum:             binary.BigEndian.Uint32(p[4:8]),
		Speed:              binary.BigEndian.Uint32(p[8:12]),
		VendorID:           binary.BigEndian.Uint16(p[12:14]),
		ProductID:          binary.BigEndian.Uint16(p[14:16]),
		BCDDevice:          binary.BigEndian.Uint16(p[16:18]),
		Class:              p[18],
		SubClass:           p[19],
		Protocol:           p[20],
		ConfigurationValue: p[21],
		NumConfigurations:  p[22],
		NumInterfaces:      p[23],
	}, nil
}

func decodeDevListReply(buf []byte, status uint32, opts *DecodeOptions) (Message, int, error) {
	off := ControlHeaderSize
	if len(buf) < off+4 {
		return nil, 0, ErrIncomplete
	}
	ndev := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if ndev > uint32(opts.maxDevices()) {
		return nil, 0, malformed("device count %d exceeds limit %d", ndev, opts.maxDevices())
	}

	reply := &DevListReply{Status: status, Devices: make([]DeviceRecord, 0, ndev)}
	for i := uint32(0); i < ndev; i++ {
		if len(buf) < off+DeviceRecordSize {
			return nil, 0, ErrIncomplete
		}
		rec, err := decodeDeviceRecord(buf[off : off+DeviceRecordSize])
		if err != nil {
			return nil, 0, err
		}
		off += DeviceRecordSize

		need := int(rec.NumInterfaces) * InterfaceRecordSize
		if len(buf) < off+need {
			return nil, 0, ErrIncomplete
		}
		rec.Interfaces = make([]InterfaceRecord, rec.NumInterfaces)
		for j := range rec.Interfaces {
			rec.Interfaces[j] = InterfaceRecord{Class: buf[off], SubClass: buf[off+1], Protocol: buf[off+2]}
			off += InterfaceRecordSize
		}
		reply.Devices = append(reply.Devices, rec)
	}
	return reply, off, nil
}

type basicHeader struct {
	command   uint32
	seqnum    uint32
	devid     uint32
	direction uint32
	ep        uint32
}

func decodeCommand(buf []byte, opts *DecodeOptions) (Message, int, error) {
	if len(buf) < CommandHeaderSize {
		return nil, 0, ErrIncomplete
	}
	h := basicHeader{
		command:   binary.BigEndian.Uint32(buf[0:4]),
		seqnum:    binary.BigEndian.Uint32(buf[4:8]),
		devid:     binary.BigEndian.Uint32(buf[8:12]),
		direction: binary.BigEndian.Uint32(buf[12:16]),
		ep:        binary.BigEndian.Uint32(buf[16:20]),
	}
	body := buf[20:CommandHeaderSize]

	switch h.command {
	case CmdSubmit:
		return decodeSubmitRequest(buf, h, body, opts)
	case RetSubmit:
		return decodeSubmitReply(buf, h, body, opts)
	case CmdUnlink:
		return &UnlinkRequest{
			SeqNum:       h.seqnum,
			DevID:        h.devid,
			Direction:    h.direction,
			Endpoint:     h.ep,
			UnlinkSeqNum: binary.BigEndian.Uint32(body[0:4]),
		}, CommandHeaderSize, nil
	case RetUnlink:
		return &UnlinkReply{
			SeqNum: h.seqnum,
			Status: int32(binary.BigEndian.Uint32(body[0:4])),
		}, CommandHeaderSize, nil
	default:
		return nil, 0, &UnsupportedError{Code: h.command}
	}
}

func i32(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) }

func decodeISOPackets(b []byte, n int) []ISOPacket {
	pkts := make([]ISOPacket, n)
	for i := range pkts {
		p := b[i*ISODescriptorSize:]
		pkts[i] = ISOPacket{
			Offset:       binary.BigEndian.Uint32(p[0:4]),
			Length:       binary.BigEndian.Uint32(p[4:8]),
			ActualLength: binary.BigEndian.Uint32(p[8:12]),
			Status:       i32(p[12:16]),
		}
	}
	return pkts
}

func isoCount(n int32, opts *DecodeOptions) (int, error) {
	switch {
	case n <= 0:
		// 0 and -1 both mean "not isochronous"
		if n < -1 {
			return 0, malformed("negative number_of_packets %d", n)
		}
		return 0, nil
	case int(n) > opts.maxISOPackets():
		return 0, malformed("number_of_packets %d exceeds limit %d", n, opts.maxISOPackets())
	}
	return int(n), nil
}

func decodeSubmitRequest(buf []byte, h basicHeader, body []byte, opts *DecodeOptions) (Message, int, error) {
	req := &SubmitRequest{
		SeqNum:               h.seqnum,
		DevID:                h.devid,
		Direction:            h.direction,
		Endpoint:             h.ep,
		TransferFlags:        binary.BigEndian.Uint32(body[0:4]),
		TransferBufferLength: i32(body[4:8]),
		StartFrame:           i32(body[8:12]),
		NumberOfPackets:      i32(body[12:16]),
		Interval:             i32(body[16:20]),
	}
	copy(req.Setup[:], body[20:28])

	if req.Direction != DirOut && req.Direction != DirIn {
		return nil, 0, malformed("invalid direction %d", req.Direction)
	}
	if req.Endpoint > 15 {
		return nil, 0, malformed("invalid endpoint %d", req.Endpoint)
	}
	if req.TransferBufferLength < 0 {
		return nil, 0, malformed("negative transfer_buffer_length %d", req.TransferBufferLength)
	}
	if int(req.TransferBufferLength) > opts.maxTransferSize() {
		return nil, 0, malformed("transfer_buffer_length %d exceeds limit %d",
			req.TransferBufferLength, opts.maxTransferSize())
	}
	npkts, err := isoCount(req.NumberOfPackets, opts)
	if err != nil {
		return nil, 0, err
	}

	off := CommandHeaderSize
	payload := 0
	if req.Direction == DirOut {
		payload = int(req.TransferBufferLength)
	}
	total := off + payload + npkts*ISODescriptorSize
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	if payload > 0 {
		req.Data = append([]byte(nil), buf[off:off+payload]...)
		off += payload
	}
	if npkts > 0 {
		req.ISOPackets = decodeISOPackets(buf[off:], npkts)
		for i, p := range req.ISOPackets {
			if uint64(p.Offset)+uint64(p.Length) > uint64(req.TransferBufferLength) {
				return nil, 0, malformed("iso packet %d overruns transfer buffer", i)
			}
		}
	}
	return req, total, nil
}

func decodeSubmitReply(buf []byte, h basicHeader, body []byte, opts *DecodeOptions) (Message, int, error) {
	rep := &SubmitReply{
		SeqNum:          h.seqnum,
		Direction:       DirOut,
		Status:          i32(body[0:4]),
		ActualLength:    i32(body[4:8]),
		StartFrame:      i32(body[8:12]),
		NumberOfPackets: i32(body[12:16]),
		ErrorCount:      i32(body[16:20]),
	}
	if opts != nil && opts.ReplyDirection != nil {
		if dir, ok := opts.ReplyDirection(h.seqnum); ok {
			rep.Direction = dir
		}
	}

	if rep.ActualLength < 0 {
		return nil, 0, malformed("negative actual_length %d", rep.ActualLength)
	}
	if int(rep.ActualLength) > opts.maxTransferSize() {
		return nil, 0, malformed("actual_length %d exceeds limit %d", rep.ActualLength, opts.maxTransferSize())
	}
	npkts, err := isoCount(rep.NumberOfPackets, opts)
	if err != nil {
		return nil, 0, err
	}

	off := CommandHeaderSize
	payload := 0
	if rep.Direction == DirIn {
		payload = int(rep.ActualLength)
	}
	total := off + payload + npkts*ISODescriptorSize
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	if payload > 0 {
		rep.Data = append([]byte(nil), buf[off:off+payload]...)
		off += payload
	}
	if npkts > 0 {
		rep.ISOPackets = decodeISOPackets(buf[off:], npkts)
	}
	return rep, total, nil
}
