package usbip

import "github.com/marmos91/dittousb/pkg/device"

// InterfaceRecord is the 4 byte interface entry of a device list reply.
type InterfaceRecord struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// DeviceRecord is the 312 byte exported device structure shared by the
// device list and import replies. Interfaces is only transmitted in device
// list replies; its length is carried in the bNumInterfaces field.
type DeviceRecord struct {
	Path               string
	BusID              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	VendorID           uint16
	ProductID          uint16
	BCDDevice          uint16
	Class              uint8
	SubClass           uint8
	Protocol           uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
	Interfaces         []InterfaceRecord
}

// RecordFromDevice converts a device into its wire record.
func RecordFromDevice(d *device.Device) DeviceRecord {
	r := DeviceRecord{
		Path:               d.Path,
		BusID:              d.BusID,
		BusNum:             d.BusNum,
		DevNum:             d.DevNum,
		Speed:              uint32(d.Speed),
		VendorID:           d.VendorID,
		ProductID:          d.ProductID,
		BCDDevice:          d.BCDDevice,
		Class:              d.Class,
		SubClass:           d.SubClass,
		Protocol:           d.Protocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.ConfigCount(),
		NumInterfaces:      uint8(len(d.Interfaces)),
		Interfaces:         make([]InterfaceRecord, len(d.Interfaces)),
	}
	for i, ifc := range d.Interfaces {
		r.Interfaces[i] = InterfaceRecord{Class: ifc.Class, SubClass: ifc.SubClass, Protocol: ifc.Protocol}
	}
	return r
}

// Device converts the record back into a device description. Endpoint and
// string data are not part of the wire record and stay empty.
func (r *DeviceRecord) Device() *device.Device {
	d := &device.Device{
		BusID:              r.BusID,
		Path:               r.Path,
		BusNum:             r.BusNum,
		DevNum:             r.DevNum,
		Speed:              device.Speed(r.Speed),
		VendorID:           r.VendorID,
		ProductID:          r.ProductID,
		BCDDevice:          r.BCDDevice,
		Class:              r.Class,
		SubClass:           r.SubClass,
		Protocol:           r.Protocol,
		ConfigurationValue: r.ConfigurationValue,
		NumConfigurations:  r.NumConfigurations,
		Interfaces:         make([]device.Interface, len(r.Interfaces)),
	}
	for i, ifc := range r.Interfaces {
		d.Interfaces[i] = device.Interface{Class: ifc.Class, SubClass: ifc.SubClass, Protocol: ifc.Protocol}
	}
	return d
}

// DevID returns the wire device id of the record.
func (r *DeviceRecord) DevID() uint32 {
	return r.BusNum<<16 | r.DevNum&0xffff
}
