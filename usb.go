package usbtiny

import (
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// USB identifiers assigned to the USBtiny programmer by Adafruit
// Industries.
const (
	VendorID  gousb.ID = 0x1781
	ProductID gousb.ID = 0x0c9f
)

// Vendor-class control request types, directed at the device.
const (
	requestIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
	requestOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

// usbTimeout is the fixed base timeout of every control transfer. Payload
// carrying transfers add time proportional to length and SCK period on top.
const usbTimeout = 500 * time.Millisecond

// usbDevice is the control-transfer surface of the open device. It exists
// so tests can substitute a simulated programmer for the gousb-backed
// implementation.
type usbDevice interface {
	Control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	Close() error
}

type gousbDevice struct {
	ctx *gousb.Context
	dev *gousb.Device
}

// openUSB enumerates the bus and opens the first device matching the
// USBtiny vendor/product pair.
func openUSB() (usbDevice, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, errors.Wrapf(ErrOpenFailed, "%04x:%04x: %v", uint16(VendorID), uint16(ProductID), err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, errors.Wrapf(ErrDeviceNotFound, "%04x:%04x", uint16(VendorID), uint16(ProductID))
	}
	// First match wins.
	for _, d := range devs[1:] {
		d.Close()
	}
	return &gousbDevice{ctx: ctx, dev: devs[0]}, nil
}

func (d *gousbDevice) Control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	d.dev.ControlTimeout = timeout
	return d.dev.Control(rType, request, value, index, data)
}

func (d *gousbDevice) Close() error {
	err := d.dev.Close()
	d.ctx.Close()
	return err
}
