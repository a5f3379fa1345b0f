package device

import (
	"encoding/binary"
	"unicode/utf16"
)

// Standard descriptor types.
const (
	DescriptorDevice        uint8 = 0x01
	DescriptorConfiguration uint8 = 0x02
	DescriptorString        uint8 = 0x03
	DescriptorInterface     uint8 = 0x04
	DescriptorEndpoint      uint8 = 0x05
)

const (
	deviceDescLen    = 18
	configDescLen    = 9
	interfaceDescLen = 9
	endpointDescLen  = 7
)

// String descriptor indexes used by DeviceDescriptor.
const (
	StringManufacturer uint8 = 1
	StringProduct      uint8 = 2
	StringSerial       uint8 = 3
)

// LangIDEnglishUS is the only language advertised in string descriptor 0.
const LangIDEnglishUS uint16 = 0x0409

func (d *Device) bcdUSB() uint16 {
	switch d.Speed {
	case SpeedSuper, SpeedSuperPlus:
		return 0x0300
	case SpeedHigh, SpeedWireless:
		return 0x0200
	default:
		return 0x0110
	}
}

func (d *Device) maxPacketSize0() uint8 {
	switch d.Speed {
	case SpeedLow:
		return 8
	case SpeedSuper, SpeedSuperPlus:
		return 9 // 2^9 = 512
	default:
		return 64
	}
}

func stringIndex(s string, idx uint8) uint8 {
	if s == "" {
		return 0
	}
	return idx
}

// DeviceDescriptor returns the 18 byte standard device descriptor.
// Multi-byte fields are little-endian as on the USB bus.
func (d *Device) DeviceDescriptor() []byte {
	b := make([]byte, deviceDescLen)
	b[0] = deviceDescLen
	b[1] = DescriptorDevice
	binary.LittleEndian.PutUint16(b[2:4], d.bcdUSB())
	b[4] = d.Class
	b[5] = d.SubClass
	b[6] = d.Protocol
	b[7] = d.maxPacketSize0()
	binary.LittleEndian.PutUint16(b[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:14], d.BCDDevice)
	b[14] = stringIndex(d.Manufacturer, StringManufacturer)
	b[15] = stringIndex(d.Product, StringProduct)
	b[16] = stringIndex(d.Serial, StringSerial)
	b[17] = d.ConfigCount()
	return b
}

// ConfigurationDescriptor returns the full configuration descriptor set
// (configuration, interfaces, endpoints) with wTotalLength filled in.
func (d *Device) ConfigurationDescriptor() []byte {
	cfg := Configuration{Value: d.ConfigurationValue, Attributes: 0x80, MaxPower: 50}
	for _, c := range d.Configurations {
		if c.Value == d.ConfigurationValue {
			cfg = c
			break
		}
	}
	if cfg.Value == 0 {
		cfg.Value = 1
	}

	b := make([]byte, configDescLen, 64)
	b[0] = configDescLen
	b[1] = DescriptorConfiguration
	b[4] = uint8(len(d.Interfaces))
	b[5] = cfg.Value
	b[7] = cfg.Attributes | 0x80 // bit 7 is reserved and must be set
	b[8] = cfg.MaxPower

	for i, ifc := range d.Interfaces {
		b = append(b,
			interfaceDescLen, DescriptorInterface,
			uint8(i), 0, uint8(len(ifc.Endpoints)),
			ifc.Class, ifc.SubClass, ifc.Protocol, 0)
		for _, ep := range ifc.Endpoints {
			b = append(b, endpointDescLen, DescriptorEndpoint, ep.Address, ep.Attributes, 0, 0, ep.Interval)
			binary.LittleEndian.PutUint16(b[len(b)-3:], ep.MaxPacketSize)
		}
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

// StringDescriptor returns string descriptor idx, or nil when the device
// has no such string. Index 0 is the supported language table.
func (d *Device) StringDescriptor(idx uint8) []byte {
	if idx == 0 {
		b := []byte{4, DescriptorString, 0, 0}
		binary.LittleEndian.PutUint16(b[2:], LangIDEnglishUS)
		return b
	}

	var s string
	switch idx {
	case StringManufacturer:
		s = d.Manufacturer
	case StringProduct:
		s = d.Product
	case StringSerial:
		s = d.Serial
	}
	if s == "" {
		return nil
	}

	units := utf16.Encode([]rune(s))
	if len(units) > 126 {
		units = units[:126]
	}
	b := make([]byte, 2+2*len(units))
	b[0] = uint8(len(b))
	b[1] = DescriptorString
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2+2*i:], u)
	}
	return b
}

// FindEndpoint looks up a non-control endpoint by number and direction.
func (d *Device) FindEndpoint(number uint8, in bool) (Endpoint, bool) {
	for _, ifc := range d.Interfaces {
		for _, ep := range ifc.Endpoints {
			if ep.Number() == number && ep.IsIn() == in {
				return ep, true
			}
		}
	}
	return Endpoint{}, false
}
