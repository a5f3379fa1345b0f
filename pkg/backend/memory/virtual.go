package memory

import (
	"encoding/binary"

	"github.com/marmos91/dittousb/pkg/backend"
	"github.com/marmos91/dittousb/pkg/device"
)

// Standard requests handled on the default control pipe.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqGetInterface     = 0x0a
	reqSetInterface     = 0x0b

	featureEndpointHalt = 0x00

	recipientMask     = 0x1f
	recipientEndpoint = 0x02
	typeMask          = 0x60
	typeStandard      = 0x00
)

// virtualDevice is the mutable state behind one device. All fields are
// guarded by the owning Backend's mutex.
type virtualDevice struct {
	desc    *device.Device
	claimed bool
	config  uint8

	loop    map[uint8][][]byte // buffered OUT data per endpoint number
	pending map[uint8][]*transfer
	halted  map[uint8]bool // by endpoint address
}

func newVirtualDevice(d *device.Device) *virtualDevice {
	vd := &virtualDevice{desc: d}
	vd.reset()
	return vd
}

// reset returns the device to its just-plugged state.
func (vd *virtualDevice) reset() {
	vd.config = vd.desc.ConfigurationValue
	vd.loop = make(map[uint8][][]byte)
	vd.pending = make(map[uint8][]*transfer)
	vd.halted = make(map[uint8]bool)
}

func endpointAddress(req *backend.Request) uint8 {
	if req.In {
		return req.Endpoint | 0x80
	}
	return req.Endpoint
}

// execute runs req. When done is false the request must wait for data.
func (vd *virtualDevice) execute(req *backend.Request) (res backend.Result, done bool) {
	if req.IsControl() {
		return vd.control(req), true
	}
	if vd.halted[endpointAddress(req)] {
		return backend.Result{Status: backend.StatusStall}, true
	}
	if len(vd.desc.Interfaces) > 0 {
		if _, ok := vd.desc.FindEndpoint(req.Endpoint, req.In); !ok {
			return backend.Result{Status: backend.StatusStall}, true
		}
	}

	if len(req.ISOPackets) > 0 {
		return vd.isochronous(req), true
	}

	if !req.In {
		if len(req.Data) > 0 {
			vd.loop[req.Endpoint] = append(vd.loop[req.Endpoint], append([]byte(nil), req.Data...))
		}
		return backend.Result{ActualLength: len(req.Data)}, true
	}

	if req.Length == 0 {
		return backend.Result{}, true
	}
	if len(vd.loop[req.Endpoint]) > 0 && len(vd.pending[req.Endpoint]) == 0 {
		return vd.readLoop(req.Endpoint, req.Length), true
	}
	return backend.Result{}, false
}

// readLoop takes up to limit bytes of buffered data from one OUT chunk, so a
// short packet on the OUT side stays a short packet on the IN side.
func (vd *virtualDevice) readLoop(ep uint8, limit int) backend.Result {
	chunks := vd.loop[ep]
	head := chunks[0]

	n := min(len(head), limit)
	data := append([]byte(nil), head[:n]...)
	if n == len(head) {
		chunks = chunks[1:]
	} else {
		chunks[0] = head[n:]
	}
	if len(chunks) == 0 {
		delete(vd.loop, ep)
	} else {
		vd.loop[ep] = chunks
	}
	return backend.Result{ActualLength: n, Data: data}
}

func (vd *virtualDevice) dropPending(t *transfer) {
	list := vd.pending[t.req.Endpoint]
	for i, p := range list {
		if p == t {
			vd.pending[t.req.Endpoint] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(vd.pending[t.req.Endpoint]) == 0 {
		delete(vd.pending, t.req.Endpoint)
	}
}

// isochronous completes immediately. OUT packets are fully consumed and
// buffered; IN packets are filled from buffered data, possibly short.
func (vd *virtualDevice) isochronous(req *backend.Request) backend.Result {
	res := backend.Result{StartFrame: req.StartFrame, ISOPackets: make([]backend.ISOPacket, len(req.ISOPackets))}

	for i, p := range req.ISOPackets {
		out := backend.ISOPacket{Offset: p.Offset, Length: p.Length}
		if !req.In {
			end := int(p.Offset + p.Length)
			if end <= len(req.Data) {
				vd.loop[req.Endpoint] = append(vd.loop[req.Endpoint], append([]byte(nil), req.Data[p.Offset:end]...))
				out.ActualLength = p.Length
				res.ActualLength += int(p.Length)
			} else {
				out.Status = backend.StatusInvalid
				res.ErrorCount++
			}
		} else if len(vd.loop[req.Endpoint]) > 0 {
			r := vd.readLoop(req.Endpoint, int(p.Length))
			out.ActualLength = uint32(r.ActualLength)
			res.Data = append(res.Data, r.Data...)
			res.ActualLength += r.ActualLength
		}
		res.ISOPackets[i] = out
	}
	return res
}

// control handles the standard requests of chapter 9. Anything else
// stalls the pipe, as a device would.
func (vd *virtualDevice) control(req *backend.Request) backend.Result {
	if len(req.Setup) != 8 {
		return backend.Result{Status: backend.StatusInvalid}
	}
	reqType := req.Setup[0]
	request := req.Setup[1]
	value := binary.LittleEndian.Uint16(req.Setup[2:4])
	index := binary.LittleEndian.Uint16(req.Setup[4:6])
	length := int(binary.LittleEndian.Uint16(req.Setup[6:8]))

	if reqType&typeMask != typeStandard {
		return backend.Result{Status: backend.StatusStall}
	}

	reply := func(b []byte) backend.Result {
		n := min(len(b), length, req.Length)
		return backend.Result{ActualLength: n, Data: append([]byte(nil), b[:n]...)}
	}

	switch request {
	case reqGetDescriptor:
		var b []byte
		switch uint8(value >> 8) {
		case device.DescriptorDevice:
			b = vd.desc.DeviceDescriptor()
		case device.DescriptorConfiguration:
			b = vd.desc.ConfigurationDescriptor()
		case device.DescriptorString:
			b = vd.desc.StringDescriptor(uint8(value))
		}
		if b == nil {
			return backend.Result{Status: backend.StatusStall}
		}
		return reply(b)

	case reqGetConfiguration:
		return reply([]byte{vd.config})

	case reqSetConfiguration:
		vd.config = uint8(value)
		return backend.Result{}

	case reqGetInterface:
		return reply([]byte{0})

	case reqSetInterface:
		return backend.Result{}

	case reqGetStatus:
		var status uint16
		if reqType&recipientMask == recipientEndpoint && vd.halted[uint8(index)] {
			status = 1
		}
		return reply(binary.LittleEndian.AppendUint16(nil, status))

	case reqClearFeature, reqSetFeature:
		if reqType&recipientMask == recipientEndpoint && value == featureEndpointHalt {
			vd.halted[uint8(index)] = request == reqSetFeature
		}
		return backend.Result{}
	}
	return backend.Result{Status: backend.StatusStall}
}
