package elfgot

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// image reads ELF structures out of a mapped object.
type image struct {
	mem   Memory
	arch  Arch
	base  uintptr
	limit uintptr // 0 when unbounded
	bias  uintptr

	phoff     uintptr
	phentsize int
	phnum     int
}

type progHeader struct {
	typ   elf.ProgType
	vaddr uintptr
	memsz uintptr
}

func (img *image) read(addr uintptr, n int) ([]byte, error) {
	end := addr + uintptr(n)
	if end < addr {
		return nil, fmt.Errorf("%w: read at 0x%x overflows", ErrFormat, addr)
	}
	if img.limit != 0 && (addr < img.base || end > img.limit) {
		return nil, fmt.Errorf("%w: read 0x%x-0x%x outside window 0x%x-0x%x", ErrFormat, addr, end, img.base, img.limit)
	}
	b, err := img.mem.Read(addr, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return b, nil
}

func (img *image) word(b []byte) uintptr {
	if img.arch.Class == elf.ELFCLASS64 {
		return uintptr(img.arch.ByteOrder.Uint64(b))
	}
	return uintptr(img.arch.ByteOrder.Uint32(b))
}

func (img *image) u32(addr uintptr) (uint32, error) {
	b, err := img.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return img.arch.ByteOrder.Uint32(b), nil
}

func (img *image) parseHeader(pageSize uintptr) error {
	ident, err := img.read(img.base, elf.EI_NIDENT)
	if err != nil {
		return err
	}
	if !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return fmt.Errorf("%w: bad magic % x", ErrFormat, ident[:4])
	}
	if elf.Class(ident[elf.EI_CLASS]) != img.arch.Class {
		return fmt.Errorf("%w: class %s, expected %s", ErrFormat, elf.Class(ident[elf.EI_CLASS]), img.arch.Class)
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return fmt.Errorf("%w: data encoding %s", ErrFormat, elf.Data(ident[elf.EI_DATA]))
	}

	var (
		typ     elf.Type
		machine elf.Machine
	)
	bo := img.arch.ByteOrder
	if img.arch.Class == elf.ELFCLASS64 {
		h, err := img.read(img.base, 64)
		if err != nil {
			return err
		}
		typ = elf.Type(bo.Uint16(h[16:]))
		machine = elf.Machine(bo.Uint16(h[18:]))
		img.phoff = uintptr(bo.Uint64(h[32:]))
		img.phentsize = int(bo.Uint16(h[54:]))
		img.phnum = int(bo.Uint16(h[56:]))
	} else {
		h, err := img.read(img.base, 52)
		if err != nil {
			return err
		}
		typ = elf.Type(bo.Uint16(h[16:]))
		machine = elf.Machine(bo.Uint16(h[18:]))
		img.phoff = uintptr(bo.Uint32(h[28:]))
		img.phentsize = int(bo.Uint16(h[42:]))
		img.phnum = int(bo.Uint16(h[44:]))
	}

	if machine != img.arch.Machine {
		return fmt.Errorf("%w: foreign machine %s, expected %s", ErrFormat, machine, img.arch.Machine)
	}
	if typ != elf.ET_DYN && typ != elf.ET_EXEC {
		return fmt.Errorf("%w: unsupported file type %s", ErrFormat, typ)
	}
	if img.phnum == 0 || img.phentsize < img.progHeaderSize() {
		return fmt.Errorf("%w: no usable program headers", ErrFormat)
	}

	phdrs, err := img.progHeaders()
	if err != nil {
		return err
	}
	minVaddr := ^uintptr(0)
	for _, ph := range phdrs {
		if ph.typ == elf.PT_LOAD && ph.vaddr < minVaddr {
			minVaddr = ph.vaddr
		}
	}
	if minVaddr == ^uintptr(0) {
		return fmt.Errorf("%w: no PT_LOAD segment", ErrFormat)
	}
	minVaddr &^= pageSize - 1
	if minVaddr > img.base {
		return fmt.Errorf("%w: load address 0x%x above mapping base 0x%x", ErrFormat, minVaddr, img.base)
	}
	img.bias = img.base - minVaddr
	return nil
}

func (img *image) progHeaderSize() int {
	if img.arch.Class == elf.ELFCLASS64 {
		return 56
	}
	return 32
}

func (img *image) progHeaders() ([]progHeader, error) {
	raw, err := img.read(img.base+img.phoff, img.phnum*img.phentsize)
	if err != nil {
		return nil, err
	}
	bo := img.arch.ByteOrder
	out := make([]progHeader, 0, img.phnum)
	for i := 0; i < img.phnum; i++ {
		p := raw[i*img.phentsize:]
		var ph progHeader
		ph.typ = elf.ProgType(bo.Uint32(p))
		if img.arch.Class == elf.ELFCLASS64 {
			ph.vaddr = uintptr(bo.Uint64(p[16:]))
			ph.memsz = uintptr(bo.Uint64(p[40:]))
		} else {
			ph.vaddr = uintptr(bo.Uint32(p[8:]))
			ph.memsz = uintptr(bo.Uint32(p[20:]))
		}
		out = append(out, ph)
	}
	return out, nil
}

// ptr converts a dynamic-section address to a runtime address. Some
// loaders relocate DT_* pointers in place and some do not; values below
// the load bias are taken as unrelocated.
func (img *image) ptr(v uintptr) uintptr {
	if v < img.bias {
		return v + img.bias
	}
	return v
}

// relocTable is one REL or RELA array.
type relocTable struct {
	name    string
	addr    uintptr
	size    uintptr
	entsize uintptr
	rela    bool
}

func (img *image) walkRelocs(t relocTable, fn func(sym, typ uint32, off uintptr)) error {
	if t.addr == 0 || t.size == 0 {
		return nil
	}
	ws := uintptr(img.arch.wordSize())
	minEnt := 2 * ws
	if t.rela {
		minEnt = 3 * ws
	}
	if t.entsize == 0 {
		t.entsize = minEnt
	}
	if t.entsize < minEnt {
		return fmt.Errorf("%w: %s entry size %d", ErrFormat, t.name, t.entsize)
	}
	if t.size%t.entsize != 0 {
		return fmt.Errorf("%w: %s size %d is not a multiple of %d", ErrFormat, t.name, t.size, t.entsize)
	}

	raw, err := img.read(t.addr, int(t.size))
	if err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	for off := uintptr(0); off < t.size; off += t.entsize {
		e := raw[off:]
		roff := img.word(e)
		info := img.word(e[ws:])
		var sym, typ uint32
		if img.arch.Class == elf.ELFCLASS64 {
			sym, typ = uint32(uint64(info)>>32), uint32(info)
		} else {
			sym, typ = uint32(info>>8), uint32(info&0xff)
		}
		fn(sym, typ, roff)
	}
	return nil
}
