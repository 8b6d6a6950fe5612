package usbtiny

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestDeriveChunkSize(t *testing.T) {
	prev := maxChunkSize
	for period := sckMin; period <= sckMax; period++ {
		chunk := deriveChunkSize(period)
		if chunk < 8 || chunk > maxChunkSize || chunk&(chunk-1) != 0 {
			t.Fatalf("period %d: chunk %d is not a power of two in [8, %d]", period, chunk, maxChunkSize)
		}
		if chunk > prev {
			t.Fatalf("period %d: chunk %d larger than %d for the faster clock", period, chunk, prev)
		}
		if period <= 16 && chunk != maxChunkSize {
			t.Fatalf("period %d: got chunk %d, want %d", period, chunk, maxChunkSize)
		}
		prev = chunk
	}
}

func TestSetClockPeriod(t *testing.T) {
	testCases := []struct {
		desc       string
		seconds    float64
		wantPeriod int
	}{
		{
			desc:       "Default range value",
			seconds:    10e-6,
			wantPeriod: 10,
		},
		{
			desc:       "Rounded up",
			seconds:    10.6e-6,
			wantPeriod: 11,
		},
		{
			desc:       "Clamped to minimum",
			seconds:    0.1e-6,
			wantPeriod: sckMin,
		},
		{
			desc:       "Clamped to maximum",
			seconds:    1e-3,
			wantPeriod: sckMax,
		},
	}

	for _, tc := range testCases {
		dev := &fakeDevice{}
		s := newTestSession(dev, nil)
		if err := s.SetClockPeriod(tc.seconds); err != nil {
			t.Fatalf("Test %q: SetClockPeriod failed: %v", tc.desc, err)
		}
		if s.sckPeriod != tc.wantPeriod {
			t.Errorf("Test %q: got period %d, want %d", tc.desc, s.sckPeriod, tc.wantPeriod)
		}
		if want := deriveChunkSize(tc.wantPeriod); s.chunkSize != want {
			t.Errorf("Test %q: got chunk size %d, want %d", tc.desc, s.chunkSize, want)
		}
		last := dev.calls[len(dev.calls)-1]
		if last.request != reqPowerUp || last.value != uint16(tc.wantPeriod) || last.index != resetLow {
			t.Errorf("Test %q: power-up request %+v does not carry period %d with RESET low", tc.desc, last, tc.wantPeriod)
		}
	}
}

func TestTransferTimeout(t *testing.T) {
	// 128 bytes at 32 usec/byte for the slowest clock: 500ms base plus
	// 128*8000/1000 ms.
	got := transferTimeout(128, 32*sckMax)
	want := usbTimeout + 1024*time.Millisecond
	if got != want {
		t.Fatalf("got timeout %v, want %v", got, want)
	}
	if got := transferTimeout(0, 32*sckMax); got != usbTimeout {
		t.Fatalf("zero-length transfer: got timeout %v, want base %v", got, usbTimeout)
	}
}

func TestInitializeHandshake(t *testing.T) {
	testCases := []struct {
		desc            string
		spiFailures     int
		wantErr         bool
		wantResetPulses int
		wantState       sessionState
	}{
		{
			desc:            "Target answers first try",
			spiFailures:     0,
			wantResetPulses: 0,
			wantState:       stateProgEnabled,
		},
		{
			desc:            "Target answers after one reset pulse",
			spiFailures:     1,
			wantResetPulses: 1,
			wantState:       stateProgEnabled,
		},
		{
			desc:            "Target never answers",
			spiFailures:     2,
			wantErr:         true,
			wantResetPulses: 1,
			wantState:       stateFailed,
		},
	}

	for _, tc := range testCases {
		dev := &fakeDevice{spiFailures: tc.spiFailures}
		s := newTestSession(dev, nil)
		s.state = stateOpen

		err := s.Initialize(testPart())
		if (err != nil) != tc.wantErr {
			t.Fatalf("Test %q: Initialize failed = %t (%v), want %t", tc.desc, err != nil, err, tc.wantErr)
		}
		if tc.wantErr && !errors.Is(err, ErrHandshakeFailed) {
			t.Errorf("Test %q: got %v, want ErrHandshakeFailed", tc.desc, err)
		}
		if dev.resetPulses != tc.wantResetPulses {
			t.Errorf("Test %q: got %d reset pulses, want %d", tc.desc, dev.resetPulses, tc.wantResetPulses)
		}
		if s.state != tc.wantState {
			t.Errorf("Test %q: got state %d, want %d", tc.desc, s.state, tc.wantState)
		}
	}
}

func TestInitializeWithBitClock(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSession(dev, nil)
	s.state = stateOpen
	s.opts.BitClock = 100e-6

	if err := s.Initialize(testPart()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if s.sckPeriod != 100 {
		t.Errorf("got period %d, want 100", s.sckPeriod)
	}
	if want := deriveChunkSize(100); s.chunkSize != want {
		t.Errorf("got chunk size %d, want %d", s.chunkSize, want)
	}
}

func TestCommand(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSession(dev, nil)
	s.cacheMem = &Memory{Name: MemoryFlash}

	cmd := [4]byte{0x30, 0x12, 0x34, 0x56}
	var res [4]byte
	if err := s.Command(&cmd, &res); err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if s.cacheMem != nil {
		t.Error("SPI exchange did not invalidate the read cache")
	}
	call := dev.calls[len(dev.calls)-1]
	if call.request != reqSPI || call.value != 0x1230 || call.index != 0x5634 || call.length != 4 {
		t.Errorf("SPI request %+v does not pack the command frame", call)
	}

	dev.spiFailures = 1
	if err := s.Command(&cmd, &res); !errors.Is(err, ErrNoEcho) {
		t.Fatalf("got %v, want ErrNoEcho", err)
	}
}

func TestExecuteOpUnsupported(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSession(dev, nil)
	part := &Part{Name: "bare", Ops: map[OpKind]SPICommand{}}

	var res [4]byte
	err := s.executeOp(part, OpChipErase, &res)
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("got %v, want ErrUnsupportedOperation", err)
	}
	if len(dev.calls) != 0 {
		t.Errorf("device was contacted %d times for an unsupported operation", len(dev.calls))
	}
}

func TestChipErase(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSession(dev, nil)

	if err := s.ChipErase(testPart()); err != nil {
		t.Fatalf("ChipErase failed: %v", err)
	}
	// The erase raises RESET once; the re-handshake succeeds without a
	// further pulse.
	if dev.resetPulses != 1 {
		t.Errorf("got %d reset pulses, want 1", dev.resetPulses)
	}
	if s.state != stateProgEnabled {
		t.Errorf("got state %d, want programming mode re-established", s.state)
	}
	if got := dev.countRequests(reqSPI); got != 2 {
		t.Errorf("got %d SPI exchanges, want chip erase plus program enable", got)
	}
}

func TestChipEraseRequiresInitialize(t *testing.T) {
	s := newTestSession(&fakeDevice{}, nil)
	s.state = stateOpen
	if err := s.ChipErase(testPart()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestPowerDownAndClose(t *testing.T) {
	dev := &fakeDevice{}
	s := newTestSession(dev, nil)

	s.PowerDown()
	if got := dev.countRequests(reqPowerDown); got != 1 {
		t.Errorf("got %d power-down requests, want 1", got)
	}

	s.Close()
	if !dev.closed {
		t.Error("Close did not release the device")
	}
	s.Close() // idempotent
	s.PowerDown()
	if got := dev.countRequests(reqPowerDown); got != 1 {
		t.Errorf("power-down on a closed session reached the device")
	}
}
