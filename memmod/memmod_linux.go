//go:build linux

// Package memmod provides the raw memory operations used to patch live
// mappings of the current process: bounded reads, protected word writes
// and in-place swaps between file-backed pages and anonymous copies.
package memmod

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrPatch is returned when a remap, protect or write operation fails.
var ErrPatch = errors.New("memmod: patch failed")

// ErrOutOfBounds is returned by ProcessMemory.Read for addresses outside
// its regions.
var ErrOutOfBounds = errors.New("memmod: read out of bounds")

var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the system page size.
func PageSize() uintptr {
	return pageSize
}

// PageDown rounds addr down to a page boundary.
func PageDown(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// PageAligned reports whether v is a multiple of the page size.
func PageAligned(v uintptr) bool {
	return v&(pageSize-1) == 0
}

// Region is a half-open address range [Start, End).
type Region struct {
	Start uintptr
	End   uintptr
}

// ProcessMemory reads the memory of the current process. Reads are only
// allowed inside the configured regions, so a bad pointer in a parsed
// structure turns into an error instead of a fault.
type ProcessMemory struct {
	regions []Region
}

// NewProcessMemory returns a reader limited to regions. Adjacent regions
// are merged so reads may span them.
func NewProcessMemory(regions ...Region) *ProcessMemory {
	rs := append([]Region(nil), regions...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })

	merged := rs[:0]
	for _, r := range rs {
		if r.End <= r.Start {
			continue
		}
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return &ProcessMemory{regions: merged}
}

// Read copies n bytes starting at addr.
func (m *ProcessMemory) Read(addr uintptr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	end := addr + uintptr(n)
	if end < addr {
		return nil, fmt.Errorf("%w: 0x%x+%d overflows", ErrOutOfBounds, addr, n)
	}
	for _, r := range m.regions {
		if addr >= r.Start && end <= r.End {
			out := make([]byte, n)
			copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%x-0x%x", ErrOutOfBounds, addr, end)
}

// ReadWord loads the pointer-sized value stored at addr.
func ReadWord(addr uintptr) uintptr {
	return atomic.LoadUintptr((*uintptr)(unsafe.Pointer(addr)))
}

// WriteWord stores value at addr, which lives on a page currently
// protected with prot. Write access is added only for the duration of
// the store, and failing to drop it again is reported.
func WriteWord(addr, value uintptr, prot int) (err error) {
	page := PageDown(addr)
	if prot&unix.PROT_WRITE == 0 {
		if err := protect(page, pageSize, prot|unix.PROT_WRITE); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, protect(page, pageSize, prot))
		}()
	}
	atomic.StoreUintptr((*uintptr)(unsafe.Pointer(addr)), value)
	return nil
}

// FileMapping identifies the file page a private mapping was created from.
type FileMapping struct {
	Path   string
	Dev    uint64
	Inode  uint64
	Offset uintptr
}

// PageBackup is a file-backed page that has been replaced in place by an
// anonymous private copy. The backing file stays open until Restore.
type PageBackup struct {
	Page uintptr
	Prot int
	File FileMapping

	file *os.File
}

// BackupPage replaces the page at page, mapped from file, with an
// anonymous copy carrying the same contents and protections. The page is
// swapped by one mremap and is never unmapped in between.
func BackupPage(page uintptr, prot int, file FileMapping) (*PageBackup, error) {
	if !PageAligned(page) || !PageAligned(file.Offset) {
		return nil, fmt.Errorf("%w: page 0x%x at file offset 0x%x is not page aligned", ErrPatch, page, file.Offset)
	}
	f, err := openBacking(file)
	if err != nil {
		return nil, err
	}

	cp, err := unix.MmapPtr(-1, 0, nil, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap copy: %w", ErrPatch, err)
	}
	if err := swapIn(cp, page, prot); err != nil {
		_ = unix.MunmapPtr(cp, pageSize)
		_ = f.Close()
		return nil, err
	}
	return &PageBackup{Page: page, Prot: prot, File: file, file: f}, nil
}

// Restore maps the backing file page again with the current contents of
// the copy, so writes made since BackupPage are kept.
func (b *PageBackup) Restore() error {
	if b.file == nil {
		return nil
	}
	scratch, err := unix.MmapPtr(int(b.file.Fd()), int64(b.File.Offset), nil, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("%w: map %s at 0x%x: %w", ErrPatch, b.File.Path, b.File.Offset, err)
	}
	if err := swapIn(scratch, b.Page, b.Prot); err != nil {
		_ = unix.MunmapPtr(scratch, pageSize)
		return fmt.Errorf("restore page 0x%x: %w", b.Page, err)
	}
	err = b.file.Close()
	b.file = nil
	if err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrPatch, b.File.Path, err)
	}
	return nil
}

// swapIn fills the writable scratch page with the contents of page,
// protects it with prot and moves it over page.
func swapIn(scratch unsafe.Pointer, page uintptr, prot int) error {
	if prot&unix.PROT_READ == 0 {
		if err := protect(page, pageSize, prot|unix.PROT_READ); err != nil {
			return err
		}
	}
	copy(unsafe.Slice((*byte)(scratch), pageSize), unsafe.Slice((*byte)(unsafe.Pointer(page)), pageSize))
	if prot&unix.PROT_READ == 0 {
		if err := protect(page, pageSize, prot); err != nil {
			return err
		}
	}
	if err := protect(uintptr(scratch), pageSize, prot); err != nil {
		return err
	}
	// MREMAP_FIXED replaces whatever is mapped at page in one step
	if _, err := unix.MremapPtr(scratch, pageSize, unsafe.Pointer(page), pageSize, unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED); err != nil {
		return fmt.Errorf("%w: remap over 0x%x: %w", ErrPatch, page, err)
	}
	return nil
}

// openBacking opens the file behind a mapping and checks it is still the
// same file and still covers the mapped offset.
func openBacking(file FileMapping) (*os.File, error) {
	if file.Path == "" || file.Inode == 0 {
		return nil, fmt.Errorf("%w: page has no backing file", ErrPatch)
	}
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open backing file: %w", ErrPatch, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %w", ErrPatch, file.Path, err)
	}
	if uint64(st.Dev) != file.Dev || uint64(st.Ino) != file.Inode {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d:%d, mapping is %d:%d", ErrPatch, file.Path, uint64(st.Dev), uint64(st.Ino), file.Dev, file.Inode)
	}
	if uint64(file.Offset) >= uint64(st.Size) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: offset 0x%x beyond end of %s", ErrPatch, file.Offset, file.Path)
	}
	return f, nil
}

func protect(addr, length uintptr, prot int) error {
	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), prot); err != nil {
		return fmt.Errorf("%w: mprotect 0x%x (prot %#x): %w", ErrPatch, addr, prot, err)
	}
	return nil
}
