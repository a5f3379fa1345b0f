package memory

import (
	"fmt"

	"github.com/marmos91/dittousb/pkg/device"
)

// Loopback describes a high-speed vendor-class device with one bulk IN and
// one bulk OUT endpoint. Data written to endpoint 1 is read back from it.
func Loopback(busNum, devNum uint32) *device.Device {
	busID := fmt.Sprintf("%d-%d", busNum, devNum)
	return &device.Device{
		BusID:              busID,
		Path:               "/sys/devices/virtual/dittousb/" + busID,
		BusNum:             busNum,
		DevNum:             devNum,
		Speed:              device.SpeedHigh,
		VendorID:           0x1209,
		ProductID:          0x0001,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Manufacturer:       "dittousb",
		Product:            "Loopback",
		Serial:             fmt.Sprintf("%04d", devNum),
		Interfaces: []device.Interface{{
			Class: 0xff,
			Endpoints: []device.Endpoint{
				{Address: 0x81, Attributes: device.TransferBulk, MaxPacketSize: 512},
				{Address: 0x01, Attributes: device.TransferBulk, MaxPacketSize: 512},
			},
		}},
	}
}

// LoopbackSet returns n loopback devices on bus 1, numbered from 2.
func LoopbackSet(n int) []*device.Device {
	devices := make([]*device.Device, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, Loopback(1, uint32(i+2)))
	}
	return devices
}
