package usbtiny

import (
	"time"

	"github.com/pkg/errors"
)

// sessionState tracks the device handshake progress. The target is only
// usable for memory operations in stateProgEnabled.
type sessionState int

const (
	stateClosed sessionState = iota
	stateOpen
	statePoweredUp
	stateProgEnabled
	stateFailed
)

// Session is an open connection to a USBtiny programmer. It owns the
// device handle, the programming clock period, the derived chunk size and
// the single-chunk read cache.
//
// A Session is not safe for concurrent use. The protocol is strictly
// ordered (SPI exchanges invalidate the cache, and page-commit timing
// depends on the preceding transfers), so callers exposing the session to
// multiple goroutines must serialize every operation behind a single lock.
// The session itself must not hold one because WriteByte re-enters the
// session through the fallback byte path.
type Session struct {
	dev      usbDevice
	opts     Options
	fallback Fallback

	state     sessionState
	sckPeriod int // usec
	chunkSize int

	// Read cache: at most one resident chunk. Valid while cacheMem points
	// at the region being accessed and the address falls in
	// [cacheBase, cacheBase+chunkSize). cacheDisable suppresses caching
	// while positive.
	cacheMem     *Memory
	cacheBase    uint32
	cacheBuf     [maxChunkSize]byte
	cacheDisable int
}

// New creates a session for a USBtiny programmer. fallback provides the
// generic byte-level access paths; it may be nil if ReadByte/WriteByte and
// paged commits are never used. The device is not contacted until Open.
func New(fallback Fallback, opts Options) Programmer {
	return &Session{
		opts:      opts,
		fallback:  fallback,
		sckPeriod: sckDefault,
		chunkSize: deriveChunkSize(sckDefault),
	}
}

// Open enumerates the USB bus and opens the first matching device.
func (s *Session) Open() error {
	if s.dev != nil {
		return nil
	}
	dev, err := openUSB()
	if err != nil {
		return err
	}
	s.dev = dev
	s.state = stateOpen
	return nil
}

// Close releases the device handle. It is idempotent.
func (s *Session) Close() {
	if s.dev == nil {
		return
	}
	s.dev.Close()
	s.dev = nil
	s.state = stateClosed
}

// controlOut issues a zero-length vendor request carrying its payload in
// the value and index fields. The device never answers these power and
// reset signals, so failures are deliberately ignored.
func (s *Session) controlOut(request uint8, value, index uint16) {
	if s.dev == nil {
		return
	}
	s.dev.Control(requestIn, request, value, index, nil, usbTimeout)
}

// transferTimeout scales the base timeout with payload size and with the
// per-unit cost of a slow programming clock.
func transferTimeout(length, perUnitUsec int) time.Duration {
	return usbTimeout + time.Duration(length*perUnitUsec/1000)*time.Millisecond
}

// controlIn reads len(buf) bytes from the device. A short transfer is an
// error; it is logged and returned, never retried here.
func (s *Session) controlIn(request uint8, value, index uint16, buf []byte, perUnitUsec int) error {
	n, err := s.dev.Control(requestIn, request, value, index, buf, transferTimeout(len(buf), perUnitUsec))
	if err != nil || n != len(buf) {
		terr := &TransportError{Op: "read", Expected: len(buf), Got: n, Err: err}
		pkgLog.Errorf("%v", terr)
		return terr
	}
	return nil
}

// controlOutData writes len(buf) bytes to the device. A short transfer is
// an error; it is logged and returned, never retried here.
func (s *Session) controlOutData(request uint8, value, index uint16, buf []byte, perUnitUsec int) error {
	n, err := s.dev.Control(requestOut, request, value, index, buf, transferTimeout(len(buf), perUnitUsec))
	if err != nil || n != len(buf) {
		terr := &TransportError{Op: "write", Expected: len(buf), Got: n, Err: err}
		pkgLog.Errorf("%v", terr)
		return terr
	}
	return nil
}

// deriveChunkSize maps an SCK period to a safe bulk transfer size. A
// single transfer takes time proportional to chunk*period, so the chunk is
// halved as the clock slows to bound the worst-case transfer duration.
// The result is a power of two in [8, 128].
func deriveChunkSize(period int) int {
	chunk := maxChunkSize
	for chunk > 8 && period > 16 {
		chunk >>= 1
		period >>= 1
	}
	return chunk
}

// SetClockPeriod applies the requested SCK period, clamped to the valid
// range, powers up the target with RESET low and derives the chunk size.
func (s *Session) SetClockPeriod(seconds float64) error {
	period := int(seconds*1e6 + 0.5)
	if period < sckMin {
		period = sckMin
	}
	if period > sckMax {
		period = sckMax
	}
	pkgLog.Infof("setting SCK period to %d usec", period)
	s.sckPeriod = period
	s.controlOut(reqPowerUp, uint16(period), resetLow)
	s.chunkSize = deriveChunkSize(period)
	return nil
}

// Command issues a single 4-byte SPI command frame and fills in the 4-byte
// response. An SPI exchange can have side effects the read cache cannot
// account for, so the cache is dropped first. The response must echo the
// second command byte; anything else means the target is not responding.
func (s *Session) Command(cmd, res *[4]byte) error {
	s.cacheMem = nil
	for i := range res {
		res[i] = 0
	}
	err := s.controlIn(reqSPI,
		uint16(cmd[1])<<8|uint16(cmd[0]),
		uint16(cmd[3])<<8|uint16(cmd[2]),
		res[:], 8*s.sckPeriod)
	pkgLog.Debugf("CMD: [%02x %02x %02x %02x] [%02x %02x %02x %02x]",
		cmd[0], cmd[1], cmd[2], cmd[3], res[0], res[1], res[2], res[3])
	if err != nil {
		return err
	}
	if res[2] != cmd[1] {
		return errors.Wrapf(ErrNoEcho, "sent %02x, got %02x", cmd[1], res[2])
	}
	return nil
}

// executeOp looks up the part's SPI command template for the operation and
// issues it. A part without a template fails without contacting the
// device.
func (s *Session) executeOp(p *Part, kind OpKind, res *[4]byte) error {
	tmpl, ok := p.Ops[kind]
	if !ok {
		return errors.Wrapf(ErrUnsupportedOperation, "%s", kind)
	}
	cmd := [4]byte(tmpl)
	return s.Command(&cmd, res)
}

// Initialize powers up the target and runs the programming-mode handshake.
// If the target does not respond to the first PROGRAM_ENABLE, the RESET
// line is pulsed and the handshake retried exactly once; a second failure
// is final and the caller must not proceed to memory operations.
func (s *Session) Initialize(p *Part) error {
	if s.opts.BitClock > 0 {
		s.SetClockPeriod(s.opts.BitClock)
	} else {
		s.sckPeriod = sckDefault
		pkgLog.Debugf("using SCK period of %d usec", s.sckPeriod)
		s.controlOut(reqPowerUp, uint16(s.sckPeriod), resetLow)
		s.chunkSize = deriveChunkSize(s.sckPeriod)
	}
	s.state = statePoweredUp
	time.Sleep(50 * time.Millisecond) // power settling

	var res [4]byte
	for attempt := 0; ; attempt++ {
		err := s.executeOp(p, OpProgramEnable, &res)
		if err == nil {
			break
		}
		if attempt == 1 {
			s.state = stateFailed
			return errors.Wrapf(ErrHandshakeFailed, "%v", err)
		}
		// No response. Pulse RESET and try once more.
		s.controlOut(reqPowerUp, uint16(s.sckPeriod), resetHigh)
		s.controlOut(reqPowerUp, uint16(s.sckPeriod), resetLow)
		time.Sleep(20 * time.Millisecond)
	}
	s.state = stateProgEnabled
	return nil
}

// ChipErase erases the entire device. Erasing drops programming mode, so
// RESET is raised afterwards and the handshake re-run regardless of the
// erase result. The erase operation's own failure takes precedence in the
// returned error.
func (s *Session) ChipErase(p *Part) error {
	if s.state != stateProgEnabled {
		return errors.Wrap(ErrNotInitialized, "chip erase")
	}
	var res [4]byte
	opErr := s.executeOp(p, OpChipErase, &res)
	time.Sleep(time.Duration(p.ChipEraseDelay) * time.Microsecond)
	s.controlOut(reqPowerUp, uint16(s.sckPeriod), resetHigh)
	initErr := s.Initialize(p)
	if opErr != nil {
		return opErr
	}
	return initErr
}

// PowerDown removes power from the target. Best effort: no response is
// checked, and a session that is not open is a no-op.
func (s *Session) PowerDown() {
	if s.dev == nil {
		return
	}
	s.controlOut(reqPowerDown, 0, 0)
	s.state = stateOpen
}

func (s *Session) reportProgress(done, total int) {
	if s.opts.Progress != nil {
		s.opts.Progress(done, total)
	}
}
