package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/avrtools/usbtiny"
	"github.com/marcinbor85/gohex"
	log "github.com/sirupsen/logrus"
)

func processReadFlash(prog usbtiny.Programmer, cfg *profile, args []string) {
	dumpMemory(prog, cfg, &cfg.Flash, args)
}

func processReadEE(prog usbtiny.Programmer, cfg *profile, args []string) {
	dumpMemory(prog, cfg, &cfg.EEPROM, args)
}

func dumpMemory(prog usbtiny.Programmer, cfg *profile, mem *usbtiny.Memory, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: outfile")
	}
	mem.Buf = make([]byte, mem.Size)
	n, err := prog.PagedRead(&cfg.Part, mem, mem.Size)
	if err != nil {
		log.Fatalf("failed to read %s: %v", mem.Name, err)
	}
	if err := os.WriteFile(args[0], mem.Buf[:n], 0644); err != nil {
		log.Fatalf("failed to write output file: %v", err)
	}
	log.Infof("read %v bytes of %s", n, mem.Name)
}

func processWriteFlash(prog usbtiny.Programmer, cfg *profile, args []string) {
	loadMemory(prog, cfg, &cfg.Flash, args)
}

func processWriteEE(prog usbtiny.Programmer, cfg *profile, args []string) {
	loadMemory(prog, cfg, &cfg.EEPROM, args)
}

func loadMemory(prog usbtiny.Programmer, cfg *profile, mem *usbtiny.Memory, args []string) {
	if len(args) != 1 {
		log.Fatalf("expected: datafile")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("failed to read data file: %v", err)
	}
	if len(data) > mem.Size {
		log.Fatalf("data file is %v bytes, %s holds %v", len(data), mem.Name, mem.Size)
	}
	mem.Buf = data
	n, err := prog.PagedWrite(&cfg.Part, mem, len(data))
	if err != nil {
		log.Fatalf("failed to write %s: %v", mem.Name, err)
	}
	log.Infof("wrote %v bytes of %s", n, mem.Name)
}

func processErase(prog usbtiny.Programmer, cfg *profile, args []string) {
	if err := prog.ChipErase(&cfg.Part); err != nil {
		log.Fatalf("failed to erase chip: %v", err)
	}
	log.Infof("chip erased")
}

func regionByName(cfg *profile, name string) *usbtiny.Memory {
	switch name {
	case usbtiny.MemoryFlash:
		return &cfg.Flash
	case usbtiny.MemoryEEPROM:
		return &cfg.EEPROM
	default:
		log.Fatalf("unknown memory region %q", name)
		return nil
	}
}

func processReadByte(prog usbtiny.Programmer, cfg *profile, args []string) {
	if len(args) != 2 {
		log.Fatalf("expected: region addr")
	}
	mem := regionByName(cfg, args[0])
	addr, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	value, err := prog.ReadByte(&cfg.Part, mem, uint32(addr))
	if err != nil {
		log.Fatalf("failed to read byte: %v", err)
	}
	fmt.Printf("%s[%#x] = %#02x\n", mem.Name, addr, value)
}

func processWriteByte(prog usbtiny.Programmer, cfg *profile, args []string) {
	if len(args) != 3 {
		log.Fatalf("expected: region addr value")
	}
	mem := regionByName(cfg, args[0])
	addr, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	value, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		log.Fatalf("invalid value: %v", err)
	}
	if err := prog.WriteByte(&cfg.Part, mem, uint32(addr), byte(value)); err != nil {
		log.Fatalf("failed to write byte: %v", err)
	}
}

// programHexFile erases the chip, writes the hex file contents to flash
// and verifies them by reading back.
func programHexFile(prog usbtiny.Programmer, cfg *profile, path string, erase bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hexMem := gohex.NewMemory()
	if err := hexMem.ParseIntelHex(file); err != nil {
		return fmt.Errorf("failed to parse hex file: %v", err)
	}

	// Build a full flash image, erased bytes left at 0xFF.
	image := make([]byte, cfg.Flash.Size)
	for i := range image {
		image[i] = 0xFF
	}
	end := 0
	for _, segment := range hexMem.GetDataSegments() {
		if int(segment.Address)+len(segment.Data) > len(image) {
			return fmt.Errorf("hex segment at %X does not fit in flash", segment.Address)
		}
		copy(image[segment.Address:], segment.Data)
		if int(segment.Address)+len(segment.Data) > end {
			end = int(segment.Address) + len(segment.Data)
		}
		log.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	if end == 0 {
		return fmt.Errorf("hex file contains no data")
	}

	if erase {
		log.Infof("erasing chip...")
		if err := prog.ChipErase(&cfg.Part); err != nil {
			return fmt.Errorf("failed to erase chip: %v", err)
		}
	}

	log.Infof("programming...")
	cfg.Flash.Buf = image
	if _, err := prog.PagedWrite(&cfg.Part, &cfg.Flash, end); err != nil {
		return fmt.Errorf("failed to write flash: %v", err)
	}

	log.Infof("verifying...")
	readback := cfg.Flash
	readback.Buf = make([]byte, cfg.Flash.Size)
	if _, err := prog.PagedRead(&cfg.Part, &readback, end); err != nil {
		return fmt.Errorf("failed to read flash: %v", err)
	}
	for _, segment := range hexMem.GetDataSegments() {
		got := readback.Buf[segment.Address : int(segment.Address)+len(segment.Data)]
		if !bytes.Equal(got, segment.Data) {
			for i := range got {
				if got[i] != segment.Data[i] {
					return fmt.Errorf("verify mismatch at %X, expected %X read %X",
						int(segment.Address)+i, segment.Data[i], got[i])
				}
			}
		}
	}
	return nil
}
