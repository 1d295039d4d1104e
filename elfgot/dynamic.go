package elfgot

import (
	"debug/elf"
	"fmt"
)

type dynamic struct {
	symtab  uintptr
	syment  uintptr
	strtab  uintptr
	strsz   uintptr
	hash    uintptr
	gnuHash uintptr

	jmprel   uintptr
	pltrelsz uintptr
	pltrel   elf.DynTag

	rela    uintptr
	relasz  uintptr
	relaent uintptr

	rel    uintptr
	relsz  uintptr
	relent uintptr
}

func (img *image) parseDynamic() (*dynamic, error) {
	phdrs, err := img.progHeaders()
	if err != nil {
		return nil, err
	}
	var seg *progHeader
	for i := range phdrs {
		if phdrs[i].typ == elf.PT_DYNAMIC {
			seg = &phdrs[i]
			break
		}
	}
	if seg == nil {
		return nil, fmt.Errorf("%w: no PT_DYNAMIC segment", ErrFormat)
	}

	ws := uintptr(img.arch.wordSize())
	raw, err := img.read(img.bias+seg.vaddr, int(seg.memsz))
	if err != nil {
		return nil, fmt.Errorf("dynamic segment: %w", err)
	}

	d := &dynamic{}
	for off := uintptr(0); off+2*ws <= uintptr(len(raw)); off += 2 * ws {
		var tag elf.DynTag
		if img.arch.Class == elf.ELFCLASS64 {
			tag = elf.DynTag(int64(img.arch.ByteOrder.Uint64(raw[off:])))
		} else {
			tag = elf.DynTag(int32(img.arch.ByteOrder.Uint32(raw[off:])))
		}
		val := img.word(raw[off+ws:])
		switch tag {
		case elf.DT_NULL:
			return d, d.validate()
		case elf.DT_SYMTAB:
			d.symtab = img.ptr(val)
		case elf.DT_SYMENT:
			d.syment = val
		case elf.DT_STRTAB:
			d.strtab = img.ptr(val)
		case elf.DT_STRSZ:
			d.strsz = val
		case elf.DT_HASH:
			d.hash = img.ptr(val)
		case elf.DT_GNU_HASH:
			d.gnuHash = img.ptr(val)
		case elf.DT_JMPREL:
			d.jmprel = img.ptr(val)
		case elf.DT_PLTRELSZ:
			d.pltrelsz = val
		case elf.DT_PLTREL:
			d.pltrel = elf.DynTag(val)
		case elf.DT_RELA:
			d.rela = img.ptr(val)
		case elf.DT_RELASZ:
			d.relasz = val
		case elf.DT_RELAENT:
			d.relaent = val
		case elf.DT_REL:
			d.rel = img.ptr(val)
		case elf.DT_RELSZ:
			d.relsz = val
		case elf.DT_RELENT:
			d.relent = val
		}
	}
	return nil, fmt.Errorf("%w: dynamic segment is not DT_NULL terminated", ErrFormat)
}

func (d *dynamic) validate() error {
	if d.symtab == 0 || d.strtab == 0 {
		return fmt.Errorf("%w: missing DT_SYMTAB or DT_STRTAB", ErrFormat)
	}
	return nil
}

// relocTables lists the relocation arrays. DT_JMPREL entries use the
// format named by DT_PLTREL, or the architecture default when absent.
func (d *dynamic) relocTables(defaultRela bool) []relocTable {
	pltRela := defaultRela
	switch d.pltrel {
	case elf.DT_RELA:
		pltRela = true
	case elf.DT_REL:
		pltRela = false
	}
	return []relocTable{
		{name: "DT_JMPREL", addr: d.jmprel, size: d.pltrelsz, rela: pltRela},
		{name: "DT_RELA", addr: d.rela, size: d.relasz, entsize: d.relaent, rela: true},
		{name: "DT_REL", addr: d.rel, size: d.relsz, entsize: d.relent},
	}
}
