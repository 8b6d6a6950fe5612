// Package usbtiny implements the device-session and memory-access driver
// for the USBtiny in-circuit programmer, a USB-attached board that exposes
// AVR SPI programming as a small set of vendor control requests.
//
// The package contains two main pieces: Session, which owns the USB device
// handle and the programming-clock, chunk-size and read-cache state, and
// the Part/Memory descriptors that describe the target microcontroller.
// Session implements the Programmer interface, allowing the surrounding
// tool to dispatch to this driver the same way it dispatches to any other
// programmer backend.
//
// Also included is a command line tool, found in the cmd/usbtiny directory,
// that serves as both an example on how to use the library and a functional
// host program for reading, writing and verifying device memory.
package usbtiny

import (
	"fmt"

	"github.com/pkg/errors"
)

// Programmer is the generic programming capability contract implemented by
// this driver. The surrounding tool invokes it polymorphically across
// programmer backends.
type Programmer interface {
	Open() error
	Close()
	Initialize(p *Part) error
	PowerDown()
	ChipErase(p *Part) error
	SetClockPeriod(seconds float64) error
	Command(cmd, res *[4]byte) error
	PagedRead(p *Part, m *Memory, n int) (int, error)
	PagedWrite(p *Part, m *Memory, n int) (int, error)
	ReadByte(p *Part, m *Memory, addr uint32) (byte, error)
	WriteByte(p *Part, m *Memory, addr uint32, value byte) error
}

// Vendor control requests understood by the USBtiny firmware.
const (
	reqEcho        = 0  // echo test
	reqReadByte    = 1  // read byte (index: address)
	reqWriteByte   = 2  // write byte (index: address, value: value)
	reqClearBit    = 3  // clear bit (index: address, value: bit number)
	reqSetBit      = 4  // set bit (index: address, value: bit number)
	reqPowerUp     = 5  // apply power (value: SCK period, index: RESET level)
	reqPowerDown   = 6  // remove power from chip
	reqSPI         = 7  // issue SPI command (value: c1c0, index: c3c2)
	reqPollBytes   = 8  // set poll bytes for write (value: p1p2)
	reqFlashRead   = 9  // read flash (index: address)
	reqFlashWrite  = 10 // write flash (index: address, value: timeout)
	reqEEPROMRead  = 11 // read eeprom (index: address)
	reqEEPROMWrite = 12 // write eeprom (index: address, value: timeout)
)

// RESET line levels carried in the index field of a power-up request.
const (
	resetLow  = 0
	resetHigh = 1
)

// Programming clock limits, in microseconds per SCK period.
const (
	sckMin     = 1   // target clock >= 4 MHz
	sckMax     = 250 // target clock >= 16 kHz
	sckDefault = 10  // target clock >= 0.4 MHz
)

// maxChunkSize is the largest single bulk transfer. Must be a power of two
// less than 256.
const maxChunkSize = 128

// Errors returned by the driver.
var (
	// ErrDeviceNotFound is returned by Open when no device with the
	// USBtiny vendor/product identifiers is present on the bus.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrOpenFailed is returned by Open when a matching device is present
	// but cannot be opened.
	ErrOpenFailed = errors.New("cannot open device")

	// ErrUnsupportedOperation is returned when the part descriptor has no
	// SPI command template for a requested operation. The device is not
	// contacted.
	ErrUnsupportedOperation = errors.New("operation not defined for part")

	// ErrHandshakeFailed is returned by Initialize when the target did not
	// enter programming mode after one reset-and-retry. The caller must
	// not proceed to memory operations.
	ErrHandshakeFailed = errors.New("program enable failed")

	// ErrNoEcho is returned by Command when the response does not echo the
	// second command byte, indicating a non-responsive or mis-synced
	// target.
	ErrNoEcho = errors.New("no echo from target")

	// ErrReadFailed is returned by ReadByte when the chunk transfer that
	// refills the read cache fails.
	ErrReadFailed = errors.New("cache read failed")

	// ErrNotInitialized is returned by operations that require a prior
	// successful Initialize.
	ErrNotInitialized = errors.New("programming mode not enabled")
)

// TransportError reports a control transfer that failed or moved fewer
// bytes than requested. It is never retried at the transport layer.
type TransportError struct {
	Op       string // "read" or "write"
	Expected int
	Got      int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("USB %s error: expected %d, got %d: %v", e.Op, e.Expected, e.Got, e.Err)
	}
	return fmt.Sprintf("USB %s error: expected %d, got %d", e.Op, e.Expected, e.Got)
}

func (e *TransportError) Unwrap() error { return e.Err }
