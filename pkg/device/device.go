// Package device describes USB devices as they are exported over USB/IP:
// identity, bus location, speed and descriptor data.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// Speed is the negotiated bus speed, numbered as on the USB/IP wire.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

var speedNames = []string{"unknown", "low", "full", "high", "wireless", "super", "super-plus"}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("speed(%d)", uint32(s))
}

// ParseSpeed accepts the names returned by Speed.String, plus common
// aliases such as "usb2" or "5000".
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return SpeedUnknown, nil
	case "low", "1.5":
		return SpeedLow, nil
	case "full", "12", "usb1":
		return SpeedFull, nil
	case "high", "480", "usb2":
		return SpeedHigh, nil
	case "wireless":
		return SpeedWireless, nil
	case "super", "5000", "usb3":
		return SpeedSuper, nil
	case "super-plus", "superplus", "10000":
		return SpeedSuperPlus, nil
	}
	return SpeedUnknown, fmt.Errorf("unknown usb speed %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Speed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Speed) UnmarshalText(b []byte) error {
	v, err := ParseSpeed(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Transfer types as encoded in bmAttributes of an endpoint descriptor.
const (
	TransferControl     uint8 = 0
	TransferIsochronous uint8 = 1
	TransferBulk        uint8 = 2
	TransferInterrupt   uint8 = 3
)

// Endpoint is a non-control endpoint of an interface.
type Endpoint struct {
	Address       uint8  `json:"address" yaml:"address"` // bit 7 set for IN
	Attributes    uint8  `json:"attributes" yaml:"attributes"`
	MaxPacketSize uint16 `json:"max_packet_size" yaml:"max_packet_size"`
	Interval      uint8  `json:"interval" yaml:"interval"`
}

// Number returns the endpoint number without the direction bit.
func (e Endpoint) Number() uint8 { return e.Address & 0x0f }

// IsIn reports whether the endpoint transfers device-to-host.
func (e Endpoint) IsIn() bool { return e.Address&0x80 != 0 }

// Type returns the transfer type of the endpoint.
func (e Endpoint) Type() uint8 { return e.Attributes & 0x03 }

// Interface is one interface of the active configuration.
type Interface struct {
	Class     uint8      `json:"class" yaml:"class"`
	SubClass  uint8      `json:"subclass" yaml:"subclass"`
	Protocol  uint8      `json:"protocol" yaml:"protocol"`
	Endpoints []Endpoint `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// Configuration describes one configuration a device offers.
type Configuration struct {
	Value      uint8 `json:"value" yaml:"value"`
	Attributes uint8 `json:"attributes" yaml:"attributes"`
	MaxPower   uint8 `json:"max_power" yaml:"max_power"` // in 2mA units
}

// Device is a USB device known to the server.
type Device struct {
	BusID string `json:"busid" yaml:"busid"`
	Path  string `json:"path" yaml:"path"`

	BusNum uint32 `json:"busnum" yaml:"busnum"`
	DevNum uint32 `json:"devnum" yaml:"devnum"`
	Speed  Speed  `json:"speed" yaml:"speed"`

	VendorID  uint16 `json:"vendor_id" yaml:"vendor_id"`
	ProductID uint16 `json:"product_id" yaml:"product_id"`
	BCDDevice uint16 `json:"bcd_device" yaml:"bcd_device"`

	Class    uint8 `json:"class" yaml:"class"`
	SubClass uint8 `json:"subclass" yaml:"subclass"`
	Protocol uint8 `json:"protocol" yaml:"protocol"`

	ConfigurationValue uint8           `json:"configuration_value" yaml:"configuration_value"`
	NumConfigurations  uint8           `json:"num_configurations" yaml:"num_configurations"`
	Configurations     []Configuration `json:"configurations,omitempty" yaml:"configurations,omitempty"`
	Interfaces         []Interface     `json:"interfaces" yaml:"interfaces"`

	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty" yaml:"product,omitempty"`
	Serial       string `json:"serial,omitempty" yaml:"serial,omitempty"`
}

// Limits imposed by the fixed-size USB/IP device record.
const (
	MaxBusIDLen = 31
	MaxPathLen  = 255
)

// DevID is the wire identifier of the device: busnum in the high 16 bits,
// devnum in the low 16 bits.
func (d *Device) DevID() uint32 {
	return d.BusNum<<16 | d.DevNum&0xffff
}

// ConfigCount is the number of configurations reported to clients.
func (d *Device) ConfigCount() uint8 {
	if d.NumConfigurations != 0 {
		return d.NumConfigurations
	}
	if n := len(d.Configurations); n > 0 {
		return uint8(n)
	}
	return 1
}

// Clone returns a deep copy of d.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.Configurations = append([]Configuration(nil), d.Configurations...)
	c.Interfaces = make([]Interface, len(d.Interfaces))
	for i, ifc := range d.Interfaces {
		ifc.Endpoints = append([]Endpoint(nil), ifc.Endpoints...)
		c.Interfaces[i] = ifc
	}
	return &c
}

// Validate checks that d can be represented on the wire.
func (d *Device) Validate() error {
	var errs []error
	if d.BusID == "" {
		errs = append(errs, errors.New("busid is required"))
	}
	if len(d.BusID) > MaxBusIDLen {
		errs = append(errs, fmt.Errorf("busid %q exceeds %d bytes", d.BusID, MaxBusIDLen))
	}
	if len(d.Path) > MaxPathLen {
		errs = append(errs, fmt.Errorf("path exceeds %d bytes", MaxPathLen))
	}
	if d.BusNum > 0xffff || d.DevNum > 0xffff {
		errs = append(errs, fmt.Errorf("busnum/devnum %d/%d out of range", d.BusNum, d.DevNum))
	}
	if len(d.Interfaces) > 0xff {
		errs = append(errs, fmt.Errorf("too many interfaces: %d", len(d.Interfaces)))
	}
	return errors.Join(errs...)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%04x:%04x, %s speed)", d.BusID, d.VendorID, d.ProductID, d.Speed)
}
