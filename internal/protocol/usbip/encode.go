package usbip

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encode serializes m into a newly allocated buffer.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(nil, m)
}

// AppendEncode appends the wire form of m to dst. On error dst is returned
// unchanged.
func AppendEncode(dst []byte, m Message) ([]byte, error) {
	start := len(dst)
	var err error

	switch msg := m.(type) {
	case *DevListRequest:
		dst = appendControlHeader(dst, OpReqDevList, StatusOK)
	case *DevListReply:
		dst, err = appendDevListReply(dst, msg)
	case *ImportRequest:
		dst, err = appendImportRequest(dst, msg)
	case *ImportReply:
		dst, err = appendImportReply(dst, msg)
	case *SubmitRequest:
		dst, err = appendSubmitRequest(dst, msg)
	case *SubmitReply:
		dst, err = appendSubmitReply(dst, msg)
	case *UnlinkRequest:
		dst = appendUnlinkRequest(dst, msg)
	case *UnlinkReply:
		dst = appendUnlinkReply(dst, msg)
	case nil:
		err = errors.New("usbip: cannot encode nil message")
	default:
		err = fmt.Errorf("usbip: cannot encode %T", m)
	}

	if err != nil {
		return dst[:start], err
	}
	return dst, nil
}

func appendControlHeader(dst []byte, code uint16, status uint32) []byte {
	dst = binary.BigEndian.AppendUint16(dst, Version)
	dst = binary.BigEndian.AppendUint16(dst, code)
	return binary.BigEndian.AppendUint32(dst, status)
}

// appendFixedString writes s NUL padded to size bytes. At least one NUL
// terminator always fits.
func appendFixedString(dst []byte, s string, size int, field string) ([]byte, error) {
	if len(s) >= size {
		return dst, fmt.Errorf("usbip: %s %q longer than %d bytes", field, s, size-1)
	}
	dst = append(dst, s...)
	return append(dst, make([]byte, size-len(s))...), nil
}

func appendDeviceRecord(dst []byte, r *DeviceRecord) ([]byte, error) {
	var err error
	if dst, err = appendFixedString(dst, r.Path, PathSize, "path"); err != nil {
		return dst, err
	}
	if dst, err = appendFixedString(dst, r.BusID, BusIDSize, "busid"); err != nil {
		return dst, err
	}
	dst = binary.BigEndian.AppendUint32(dst, r.BusNum)
	dst = binary.BigEndian.AppendUint32(dst, r.DevNum)
	dst = binary.BigEndian.AppendUint32(dst, r.Speed)
	dst = binary.BigEndian.AppendUint16(dst, r.VendorID)
	dst = binary.BigEndian.AppendUint16(dst, r.ProductID)
	dst = binary.BigEndian.AppendUint16(dst, r.BCDDevice)
	return append(dst,
		r.Class,
		r.SubClass,
		r.Protocol,
		r.ConfigurationValue,
		r.NumConfigurations,
		r.NumInterfaces,
	), nil
}

func appendDevListReply(dst []byte, m *DevListReply) ([]byte, error) {
	dst = appendControlHeader(dst, OpRepDevList, m.Status)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Devices)))

	for i := range m.Devices {
		r := &m.Devices[i]
		if int(r.NumInterfaces) != len(r.Interfaces) {
			return dst, fmt.Errorf("usbip: device %s declares %d interfaces but has %d",
				r.BusID, r.NumInterfaces, len(r.Interfaces))
		}
		var err error
		if dst, err = appendDeviceRecord(dst, r); err != nil {
			return dst, err
		}
		for _, ifc := range r.Interfaces {
			dst = append(dst, ifc.Class, ifc.SubClass, ifc.Protocol, 0)
		}
	}
	return dst, nil
}

func appendImportRequest(dst []byte, m *ImportRequest) ([]byte, error) {
	dst = appendControlHeader(dst, OpReqImport, StatusOK)
	return appendFixedString(dst, m.BusID, BusIDSize, "busid")
}

func appendImportReply(dst []byte, m *ImportReply) ([]byte, error) {
	dst = appendControlHeader(dst, OpRepImport, m.Status)
	if m.Status != StatusOK {
		return dst, nil
	}
	if m.Device == nil {
		return dst, errors.New("usbip: successful import reply without device")
	}
	return appendDeviceRecord(dst, m.Device)
}

func appendBasicHeader(dst []byte, cmd, seq, devid, dir, ep uint32) []byte {
	dst = binary.BigEndian.AppendUint32(dst, cmd)
	dst = binary.BigEndian.AppendUint32(dst, seq)
	dst = binary.BigEndian.AppendUint32(dst, devid)
	dst = binary.BigEndian.AppendUint32(dst, dir)
	return binary.BigEndian.AppendUint32(dst, ep)
}

func appendISOPackets(dst []byte, pkts []ISOPacket) []byte {
	for _, p := range pkts {
		dst = binary.BigEndian.AppendUint32(dst, p.Offset)
		dst = binary.BigEndian.AppendUint32(dst, p.Length)
		dst = binary.BigEndian.AppendUint32(dst, p.ActualLength)
		dst = binary.BigEndian.AppendUint32(dst, uint32(p.Status))
	}
	return dst
}

func checkISOCount(n int32, pkts []ISOPacket) error {
	if n > 0 && int(n) != len(pkts) {
		return fmt.Errorf("usbip: number_of_packets is %d but %d descriptors given", n, len(pkts))
	}
	if n <= 0 && len(pkts) != 0 {
		return fmt.Errorf("usbip: %d descriptors given for a non-isochronous transfer", len(pkts))
	}
	return nil
}

func appendSubmitRequest(dst []byte, m *SubmitRequest) ([]byte, error) {
	if m.Direction != DirOut && m.Direction != DirIn {
		return dst, fmt.Errorf("usbip: invalid direction %d", m.Direction)
	}
	if m.TransferBufferLength < 0 {
		return dst, fmt.Errorf("usbip: negative transfer_buffer_length %d", m.TransferBufferLength)
	}
	if m.Direction == DirOut && len(m.Data) != int(m.TransferBufferLength) {
		return dst, fmt.Errorf("usbip: OUT payload is %d bytes, transfer_buffer_length is %d",
			len(m.Data), m.TransferBufferLength)
	}
	if m.Direction == DirIn && len(m.Data) != 0 {
		return dst, errors.New("usbip: IN submit carries a payload")
	}
	if err := checkISOCount(m.NumberOfPackets, m.ISOPackets); err != nil {
		return dst, err
	}

	dst = appendBasicHeader(dst, CmdSubmit, m.SeqNum, m.DevID, m.Direction, m.Endpoint)
	dst = binary.BigEndian.AppendUint32(dst, m.TransferFlags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.TransferBufferLength))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.StartFrame))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.NumberOfPackets))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Interval))
	dst = append(dst, m.Setup[:]...)
	dst = append(dst, m.Data...)
	return appendISOPackets(dst, m.ISOPackets), nil
}

func appendSubmitReply(dst []byte, m *SubmitReply) ([]byte, error) {
	if m.ActualLength < 0 {
		return dst, fmt.Errorf("usbip: negative actual_length %d", m.ActualLength)
	}
	if m.Direction == DirIn && len(m.Data) != int(m.ActualLength) {
		return dst, fmt.Errorf("usbip: IN payload is %d bytes, actual_length is %d",
			len(m.Data), m.ActualLength)
	}
	if m.Direction != DirIn && len(m.Data) != 0 {
		return dst, errors.New("usbip: OUT completion carries a payload")
	}
	if err := checkISOCount(m.NumberOfPackets, m.ISOPackets); err != nil {
		return dst, err
	}

	dst = appendBasicHeader(dst, RetSubmit, m.SeqNum, 0, 0, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Status))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.ActualLength))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.StartFrame))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.NumberOfPackets))
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.ErrorCount))
	dst = append(dst, make([]byte, 8)...)
	dst = append(dst, m.Data...)
	return appendISOPackets(dst, m.ISOPackets), nil
}

func appendUnlinkRequest(dst []byte, m *UnlinkRequest) []byte {
	dst = appendBasicHeader(dst, CmdUnlink, m.SeqNum, m.DevID, m.Direction, m.Endpoint)
	dst = binary.BigEndian.AppendUint32(dst, m.UnlinkSeqNum)
	return append(dst, make([]byte, 24)...)
}

func appendUnlinkReply(dst []byte, m *UnlinkReply) []byte {
	dst = appendBasicHeader(dst, RetUnlink, m.SeqNum, 0, 0, 0)
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.Status))
	return append(dst, make([]byte, 24)...)
}
