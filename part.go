package usbtiny

// OpKind names an SPI programming operation that a part descriptor may
// carry a command template for.
type OpKind string

// Operations used by the driver and by the generic byte-access fallback.
const (
	OpProgramEnable OpKind = "pgm_enable"
	OpChipErase     OpKind = "chip_erase"
	OpReadByte      OpKind = "read_byte"
	OpWriteByte     OpKind = "write_byte"
	OpWritePage     OpKind = "write_page"
)

// SPICommand is a 4-byte SPI command template. Templates for address- or
// value-carrying operations leave the variable bytes zero; the caller
// patches them in before issuing the frame.
type SPICommand [4]byte

// Part describes the target microcontroller. It is consumed, never owned:
// the surrounding tool builds it from its part tables (or, for the bundled
// CLI, from a YAML profile file).
type Part struct {
	Name string `yaml:"name"`
	// ChipEraseDelay is the time a chip erase takes, in microseconds.
	ChipEraseDelay int `yaml:"chip_erase_delay"`
	// Ops maps each supported operation to its SPI command template.
	Ops map[OpKind]SPICommand `yaml:"ops"`
}

// Memory region kinds the driver transfers in bulk and caches.
const (
	MemoryFlash  = "flash"
	MemoryEEPROM = "eeprom"
)

// Memory describes one target memory region and holds its transfer buffer.
type Memory struct {
	Name string `yaml:"name"`
	Size int    `yaml:"size"`
	// PageSize is the physical write granularity. Must be set when Paged
	// is true.
	PageSize int  `yaml:"page_size"`
	Paged    bool `yaml:"paged"`
	// Readback holds the 2-byte pattern the device polls for to detect
	// write completion on non-paged memories.
	Readback [2]byte `yaml:"readback"`
	// MaxWriteDelay is the worst-case byte write time, in microseconds.
	MaxWriteDelay int `yaml:"max_write_delay"`
	// Buf is the bulk transfer buffer, at least Size bytes for full-memory
	// operations.
	Buf []byte `yaml:"-"`
}

// Fallback provides the generic byte-level access paths and the page
// commit operation implemented by the surrounding tool. ReadByte and
// WriteByte delegate to it whenever the cache cannot serve a request, and
// PagedWrite invokes CommitPage to latch each filled page.
type Fallback interface {
	ReadByteDefault(p *Part, m *Memory, addr uint32) (byte, error)
	WriteByteDefault(p *Part, m *Memory, addr uint32, value byte) error
	CommitPage(p *Part, m *Memory, addr uint32) error
}

// ProgressFunc reports bulk transfer progress after each stride.
type ProgressFunc func(done, total int)

// Options holds session configuration.
type Options struct {
	// BitClock is the desired SCK period in seconds. Zero selects the
	// default period.
	BitClock float64 `yaml:"bit_clock"`
	// Progress, when non-nil, is called after every bulk transfer stride.
	Progress ProgressFunc `yaml:"-"`
}
