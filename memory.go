package usbtiny

import (
	"time"

	"github.com/pkg/errors"
)

func readRequest(m *Memory) uint8 {
	if m.Name == MemoryFlash {
		return reqFlashRead
	}
	return reqEEPROMRead
}

func writeRequest(m *Memory) uint8 {
	if m.Name == MemoryFlash {
		return reqFlashWrite
	}
	return reqEEPROMWrite
}

// PagedRead fills m.Buf[:n] from the device in chunk-sized strides. A
// stride that fails on the wire is logged and skipped, not retried, and
// the returned count still reflects the full requested length; callers
// needing stronger integrity must verify the contents separately.
func (s *Session) PagedRead(p *Part, m *Memory, n int) (int, error) {
	if s.state != stateProgEnabled {
		return 0, errors.Wrap(ErrNotInitialized, "paged read")
	}
	req := readRequest(m)
	for i := 0; i < n; {
		chunk := s.chunkSize
		if chunk > n-i {
			chunk = n - i
		}
		if err := s.controlIn(req, 0, uint16(i), m.Buf[i:i+chunk], 32*s.sckPeriod); err != nil {
			pkgLog.Errorf("read of %s chunk at %#x failed: %v", m.Name, i, err)
		}
		i += chunk
		s.reportProgress(i, n)
	}
	return n, nil
}

// PagedWrite writes m.Buf[:n] to the device in strides bounded by the
// chunk size and, for paged memories, the page size. Each write request
// carries the region's write delay in its value field. When a stride fills
// a page (or ends the transfer) the page is latched through the fallback's
// CommitPage; mistiming that commit corrupts memory, so it happens exactly
// on page boundaries and at the final byte.
//
// Like PagedRead, a failed stride is logged and skipped and the returned
// count is always n.
func (s *Session) PagedWrite(p *Part, m *Memory, n int) (int, error) {
	if s.state != stateProgEnabled {
		return 0, errors.Wrap(ErrNotInitialized, "paged write")
	}
	req := writeRequest(m)
	delay := 0
	if !m.Paged {
		// Byte-programmed memories: tell the device what readback pattern
		// signals write completion, and bound each write by the region's
		// worst-case delay.
		s.controlOut(reqPollBytes, uint16(m.Readback[1])<<8|uint16(m.Readback[0]), 0)
		delay = m.MaxWriteDelay
	}
	for i := 0; i < n; {
		chunk := s.chunkSize
		if m.Paged && chunk > m.PageSize {
			chunk = m.PageSize
		}
		if chunk > n-i {
			chunk = n - i
		}
		if err := s.controlOutData(req, uint16(delay), uint16(i), m.Buf[i:i+chunk], 32*s.sckPeriod+delay); err != nil {
			pkgLog.Errorf("write of %s chunk at %#x failed: %v", m.Name, i, err)
		}
		next := i + chunk
		if m.Paged && (next%m.PageSize == 0 || next == n) {
			page := uint32(next-1) &^ uint32(m.PageSize-1)
			if s.fallback == nil {
				pkgLog.Errorf("no fallback to commit %s page at %#x", m.Name, page)
			} else if err := s.fallback.CommitPage(p, m, page); err != nil {
				pkgLog.Errorf("commit of %s page at %#x failed: %v", m.Name, page, err)
			}
		}
		i = next
		s.reportProgress(i, n)
	}
	return n, nil
}

// ReadByte reads a single byte, serving it from the resident chunk where
// possible. Addresses outside the cacheable regions, or any access while
// the cache is disabled, delegate to the fallback byte path untouched.
func (s *Session) ReadByte(p *Part, m *Memory, addr uint32) (byte, error) {
	if s.cacheDisable > 0 || (m.Name != MemoryFlash && m.Name != MemoryEEPROM) {
		if s.fallback == nil {
			return 0, errors.New("no fallback byte access configured")
		}
		return s.fallback.ReadByteDefault(p, m, addr)
	}
	base := addr &^ uint32(s.chunkSize-1)
	if s.cacheMem != m || s.cacheBase != base {
		size := s.chunkSize
		if m.Size < size {
			size = m.Size
		}
		if err := s.controlIn(readRequest(m), 0, uint16(base), s.cacheBuf[:size], 32*s.sckPeriod); err != nil {
			s.cacheMem = nil
			return 0, errors.Wrapf(ErrReadFailed, "%s chunk at %#x: %v", m.Name, base, err)
		}
		s.cacheMem = m
		s.cacheBase = base
	}
	return s.cacheBuf[addr-base], nil
}

// WriteByte routes a single-byte write through the generic byte path. The
// cache is disabled for the duration so the fallback's own reads cannot be
// served from a chunk that predates the write, and re-enabled afterwards
// regardless of the outcome.
func (s *Session) WriteByte(p *Part, m *Memory, addr uint32, value byte) error {
	if s.fallback == nil {
		return errors.New("no fallback byte access configured")
	}
	s.cacheDisable++
	defer func() { s.cacheDisable-- }()
	return s.fallback.WriteByteDefault(p, m, addr, value)
}

// WriteDelay sleeps for the region's declared worst-case write time.
// Fallback implementations use it between a byte write and the next
// operation when the device cannot poll for completion.
func WriteDelay(m *Memory) {
	time.Sleep(time.Duration(m.MaxWriteDelay) * time.Microsecond)
}
