package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice() *Device {
	return &Device{
		BusID:              "1-2",
		Path:               "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-2",
		BusNum:             1,
		DevNum:             2,
		Speed:              SpeedHigh,
		VendorID:           0x1d6b,
		ProductID:          0x0104,
		BCDDevice:          0x0100,
		ConfigurationValue: 1,
		Interfaces: []Interface{{
			Class: 0xff,
			Endpoints: []Endpoint{
				{Address: 0x81, Attributes: TransferBulk, MaxPacketSize: 512},
				{Address: 0x01, Attributes: TransferBulk, MaxPacketSize: 512},
			},
		}},
		Manufacturer: "Ditto",
		Product:      "Loopback",
	}
}

func TestDevID(t *testing.T) {
	d := &Device{BusNum: 3, DevNum: 7}
	assert.Equal(t, uint32(0x00030007), d.DevID())
}

func TestParseSpeed(t *testing.T) {
	for _, s := range []Speed{SpeedUnknown, SpeedLow, SpeedFull, SpeedHigh, SpeedWireless, SpeedSuper, SpeedSuperPlus} {
		got, err := ParseSpeed(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseSpeed("usb2")
	require.NoError(t, err)
	assert.Equal(t, SpeedHigh, got)

	_, err = ParseSpeed("ludicrous")
	assert.Error(t, err)
	assert.Equal(t, "speed(42)", Speed(42).String())
}

func TestCloneIsDeep(t *testing.T) {
	d := testDevice()
	c := d.Clone()
	c.Interfaces[0].Endpoints[0].MaxPacketSize = 64
	c.BusID = "9-9"

	assert.Equal(t, uint16(512), d.Interfaces[0].Endpoints[0].MaxPacketSize)
	assert.Equal(t, "1-2", d.BusID)
	assert.Nil(t, (*Device)(nil).Clone())
}

func TestValidate(t *testing.T) {
	require.NoError(t, testDevice().Validate())

	d := testDevice()
	d.BusID = ""
	d.BusNum = 1 << 20
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busid is required")
	assert.Contains(t, err.Error(), "out of range")

	d = testDevice()
	d.BusID = "12345678901234567890123456789012"
	assert.Error(t, d.Validate())
}

func TestDeviceDescriptor(t *testing.T) {
	b := testDevice().DeviceDescriptor()
	require.Len(t, b, 18)
	assert.Equal(t, DescriptorDevice, b[1])
	assert.Equal(t, uint16(0x0200), binary.LittleEndian.Uint16(b[2:]))
	assert.Equal(t, uint16(0x1d6b), binary.LittleEndian.Uint16(b[8:]))
	assert.Equal(t, StringManufacturer, b[14])
	assert.Equal(t, StringProduct, b[15])
	assert.Equal(t, uint8(0), b[16], "no serial string")
	assert.Equal(t, uint8(1), b[17])
}

func TestConfigurationDescriptor(t *testing.T) {
	b := testDevice().ConfigurationDescriptor()
	require.Len(t, b, 9+9+7+7)
	assert.Equal(t, uint16(len(b)), binary.LittleEndian.Uint16(b[2:]))
	assert.Equal(t, uint8(1), b[4], "interfaces")
	assert.Equal(t, uint8(1), b[5], "configuration value")
	assert.Equal(t, DescriptorInterface, b[10])
	assert.Equal(t, uint8(2), b[13], "endpoints")
	assert.Equal(t, uint8(0x81), b[20])
	assert.Equal(t, uint16(512), binary.LittleEndian.Uint16(b[22:]))
}

func TestStringDescriptor(t *testing.T) {
	d := testDevice()
	assert.Equal(t, []byte{4, 3, 0x09, 0x04}, d.StringDescriptor(0))

	b := d.StringDescriptor(StringManufacturer)
	require.NotNil(t, b)
	assert.Equal(t, uint8(2+2*5), b[0])
	assert.Equal(t, byte('D'), b[2])
	assert.Nil(t, d.StringDescriptor(StringSerial))
}

func TestFindEndpoint(t *testing.T) {
	d := testDevice()
	ep, ok := d.FindEndpoint(1, true)
	require.True(t, ok)
	assert.Equal(t, uint8(0x81), ep.Address)

	_, ok = d.FindEndpoint(2, false)
	assert.False(t, ok)
}
