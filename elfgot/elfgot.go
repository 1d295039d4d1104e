// Package elfgot locates the GOT slots that reference a symbol in an ELF
// object mapped into memory.
//
// Only load-time structures are used: the ELF header, program headers and
// the dynamic segment. Section headers are usually not mapped and are
// never consulted.
package elfgot

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrFormat is returned when the image is not a usable ELF object for
	// the running architecture, or its metadata points outside the
	// allowed window.
	ErrFormat = errors.New("elfgot: unrecognized ELF image")
	// ErrSymbolNotFound is returned when the symbol is absent from the
	// dynamic symbol table or no relocation references it.
	ErrSymbolNotFound = errors.New("elfgot: symbol not found")
	// ErrAlignment is returned when a window offset is not page aligned.
	ErrAlignment = errors.New("elfgot: offset is not page aligned")
)

// Memory gives read access to the address space holding the image.
type Memory interface {
	Read(addr uintptr, n int) ([]byte, error)
}

// Window restricts resolution to Size bytes of the image, for objects
// embedded at Offset inside a larger file.
type Window struct {
	Offset uintptr
	Size   uintptr
}

// Library identifies one mapped ELF object. Base is the address the ELF
// header is mapped at: the start of the mapping whose file offset is 0,
// or Window.Offset when a window is set.
type Library struct {
	Dev    uint64
	Inode  uint64
	Base   uintptr
	Window *Window
}

func (lib Library) String() string {
	if lib.Window != nil {
		return fmt.Sprintf("%d:%d+0x%x[0x%x]@0x%x", lib.Dev, lib.Inode, lib.Window.Offset, lib.Window.Size, lib.Base)
	}
	return fmt.Sprintf("%d:%d@0x%x", lib.Dev, lib.Inode, lib.Base)
}

// Resolver resolves GOT slots for one architecture.
type Resolver struct {
	Arch     Arch
	PageSize uintptr
}

// NewResolver returns a resolver for the running process.
func NewResolver(pageSize uintptr) (*Resolver, error) {
	arch, err := CurrentArch()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return &Resolver{Arch: arch, PageSize: pageSize}, nil
}

// Resolve returns the addresses of every GOT slot in lib that a
// relocation for symbol targets, in ascending order.
func (r *Resolver) Resolve(mem Memory, lib Library, symbol string) ([]uintptr, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol name", ErrSymbolNotFound)
	}
	if lib.Window != nil {
		if lib.Window.Offset%r.PageSize != 0 {
			return nil, fmt.Errorf("%w: 0x%x", ErrAlignment, lib.Window.Offset)
		}
		if lib.Window.Size == 0 {
			return nil, fmt.Errorf("%w: empty window", ErrFormat)
		}
	}

	img := &image{mem: mem, arch: r.Arch, base: lib.Base}
	if lib.Window != nil {
		img.limit = lib.Base + lib.Window.Size
		if img.limit < lib.Base {
			return nil, fmt.Errorf("%w: window overflows address space", ErrFormat)
		}
	}

	if err := img.parseHeader(r.PageSize); err != nil {
		return nil, fmt.Errorf("%s: %w", lib, err)
	}
	dyn, err := img.parseDynamic()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", lib, err)
	}

	idx, err := dyn.lookup(img, symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %q: %w", lib, symbol, err)
	}

	seen := make(map[uintptr]struct{})
	for _, table := range dyn.relocTables(r.Arch.Rela) {
		if err := img.walkRelocs(table, func(sym, typ uint32, off uintptr) {
			if sym == idx && r.Arch.hooks(typ) {
				seen[img.bias+off] = struct{}{}
			}
		}); err != nil {
			return nil, fmt.Errorf("%s: %w", lib, err)
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%s: %q has no GOT relocations: %w", lib, symbol, ErrSymbolNotFound)
	}

	slots := make([]uintptr, 0, len(seen))
	for addr := range seen {
		slots = append(slots, addr)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}
