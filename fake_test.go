package usbtiny

import (
	"fmt"
	"time"
)

// controlCall records one control transfer seen by the fake device.
type controlCall struct {
	rType   uint8
	request uint8
	value   uint16
	index   uint16
	length  int
	timeout time.Duration
}

// fakeDevice simulates the USBtiny firmware well enough for the session
// and memory paths: it answers SPI exchanges with the echo byte, services
// flash and eeprom bulk requests from in-memory arrays, and counts RESET
// pulses.
type fakeDevice struct {
	flash  []byte
	eeprom []byte

	calls       []controlCall
	spiFailures int // SPI exchanges to answer with a bad echo
	failReads   bool
	resetPulses int // power-up requests with RESET high
	closed      bool
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDevice) memory(request uint8) []byte {
	if request == reqFlashRead || request == reqFlashWrite {
		return d.flash
	}
	return d.eeprom
}

func (d *fakeDevice) countRequests(request uint8) int {
	n := 0
	for _, c := range d.calls {
		if c.request == request {
			n++
		}
	}
	return n
}

func (d *fakeDevice) Control(rType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	d.calls = append(d.calls, controlCall{rType, request, value, index, len(data), timeout})
	switch request {
	case reqPowerUp:
		if index == resetHigh {
			d.resetPulses++
		}
		return 0, nil
	case reqPowerDown, reqPollBytes:
		return 0, nil
	case reqSPI:
		echo := byte(value >> 8) // second command byte
		if d.spiFailures > 0 {
			d.spiFailures--
			data[2] = ^echo
		} else {
			data[2] = echo
		}
		return len(data), nil
	case reqFlashRead, reqEEPROMRead:
		if d.failReads {
			return 0, fmt.Errorf("simulated pipe error")
		}
		return copy(data, d.memory(request)[index:int(index)+len(data)]), nil
	case reqFlashWrite, reqEEPROMWrite:
		return copy(d.memory(request)[index:], data), nil
	}
	return 0, fmt.Errorf("unexpected request %d", request)
}

// newTestSession returns a session wired to the fake device, already in
// programming mode with the default clock settings.
func newTestSession(d *fakeDevice, fb Fallback) *Session {
	return &Session{
		dev:       d,
		fallback:  fb,
		sckPeriod: sckDefault,
		chunkSize: deriveChunkSize(sckDefault),
		state:     stateProgEnabled,
	}
}

func testPart() *Part {
	return &Part{
		Name:           "ATtiny2313",
		ChipEraseDelay: 9000,
		Ops: map[OpKind]SPICommand{
			OpProgramEnable: {0xAC, 0x53, 0x00, 0x00},
			OpChipErase:     {0xAC, 0x80, 0x00, 0x00},
		},
	}
}
