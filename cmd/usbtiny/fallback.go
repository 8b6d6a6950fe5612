package main

import (
	"fmt"

	"github.com/avrtools/usbtiny"
)

// spiFallback implements the generic byte-level access paths on top of raw
// SPI command frames, using the byte-op templates from the part profile.
// Templates are byte addressed: the address goes in bytes 1 and 2 of the
// frame, the data byte (where one is carried) in byte 3.
type spiFallback struct {
	prog usbtiny.Programmer
}

func (f *spiFallback) frame(p *usbtiny.Part, kind usbtiny.OpKind, addr uint32, value byte) ([4]byte, error) {
	tmpl, ok := p.Ops[kind]
	if !ok {
		return [4]byte{}, fmt.Errorf("part %v has no %v op", p.Name, kind)
	}
	return [4]byte{tmpl[0], byte(addr >> 8), byte(addr), value}, nil
}

func (f *spiFallback) ReadByteDefault(p *usbtiny.Part, m *usbtiny.Memory, addr uint32) (byte, error) {
	cmd, err := f.frame(p, usbtiny.OpReadByte, addr, 0)
	if err != nil {
		return 0, err
	}
	var res [4]byte
	if err := f.prog.Command(&cmd, &res); err != nil {
		return 0, err
	}
	return res[3], nil
}

func (f *spiFallback) WriteByteDefault(p *usbtiny.Part, m *usbtiny.Memory, addr uint32, value byte) error {
	cmd, err := f.frame(p, usbtiny.OpWriteByte, addr, value)
	if err != nil {
		return err
	}
	var res [4]byte
	if err := f.prog.Command(&cmd, &res); err != nil {
		return err
	}
	usbtiny.WriteDelay(m)
	return nil
}

func (f *spiFallback) CommitPage(p *usbtiny.Part, m *usbtiny.Memory, addr uint32) error {
	cmd, err := f.frame(p, usbtiny.OpWritePage, addr, 0)
	if err != nil {
		return err
	}
	var res [4]byte
	if err := f.prog.Command(&cmd, &res); err != nil {
		return err
	}
	usbtiny.WriteDelay(m)
	return nil
}
