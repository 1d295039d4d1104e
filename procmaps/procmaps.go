//go:build linux

// Package procmaps parses the Linux /proc/<pid>/maps mapping table.
package procmaps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrScan is returned when the mapping table cannot be read or parsed as a whole.
var ErrScan = errors.New("procmaps: scan failed")

// ScanRoot is the procfs mount point read by Scan.
var ScanRoot = "/proc"

// Perm holds mapping protections. The bit layout matches PROT_READ,
// PROT_WRITE and PROT_EXEC on Linux.
type Perm uint8

const (
	PermRead  Perm = unix.PROT_READ
	PermWrite Perm = unix.PROT_WRITE
	PermExec  Perm = unix.PROT_EXEC
)

// Prot returns the protection flags for mmap/mprotect.
func (p Perm) Prot() int {
	return int(p)
}

func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Entry is one line of the mapping table.
type Entry struct {
	Start   uintptr
	End     uintptr
	Perms   Perm
	Private bool
	Offset  uintptr
	Dev     uint64
	Inode   uint64
	Path    string
}

func (e Entry) Size() uintptr {
	return e.End - e.Start
}

func (e Entry) Contains(addr uintptr) bool {
	return addr >= e.Start && addr < e.End
}

// Anonymous reports whether the mapping has no backing file.
func (e Entry) Anonymous() bool {
	return e.Inode == 0
}

// Scan reads the mapping table of pid, which is either "self" or a
// decimal process id.
func Scan(logger *zap.Logger, pid string) ([]Entry, error) {
	if err := validatePID(pid); err != nil {
		return nil, err
	}
	path := filepath.Join(ScanRoot, pid, "maps")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrScan, path, err)
	}
	defer f.Close()

	entries, err := Parse(logger, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Parse reads mapping lines from r. Lines that cannot be parsed are
// skipped and logged.
func Parse(logger *zap.Logger, r io.Reader) ([]Entry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		entries []Entry
		lines   int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		entry, err := ParseLine(line)
		if err != nil {
			logger.Warn("skipping malformed mapping line",
				zap.Int("line", lineNo), zap.String("text", line), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrScan, err)
	}
	if lines > 0 && len(entries) == 0 {
		return nil, fmt.Errorf("%w: none of %d lines could be parsed", ErrScan, lines)
	}
	return entries, nil
}

// ParseLine parses a single "address perms offset dev inode [path]" line.
func ParseLine(line string) (Entry, error) {
	var entry Entry

	rest := line
	field := func() string {
		rest = strings.TrimLeft(rest, " \t")
		f, r, _ := strings.Cut(rest, " ")
		rest = r
		return f
	}

	addrRange, perms, offset, dev, inode := field(), field(), field(), field(), field()
	if inode == "" {
		return entry, errors.New("expected at least 5 fields")
	}

	lo, hi, ok := strings.Cut(addrRange, "-")
	if !ok {
		return entry, fmt.Errorf("invalid address range %q", addrRange)
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return entry, fmt.Errorf("invalid start address %q: %w", lo, err)
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return entry, fmt.Errorf("invalid end address %q: %w", hi, err)
	}
	if start >= end {
		return entry, fmt.Errorf("empty address range %q", addrRange)
	}
	entry.Start, entry.End = uintptr(start), uintptr(end)

	if len(perms) != 4 {
		return entry, fmt.Errorf("invalid perms %q", perms)
	}
	for i, want := range []byte("rwx") {
		switch perms[i] {
		case want:
			entry.Perms |= Perm(1 << i)
		case '-':
		default:
			return entry, fmt.Errorf("invalid perms %q", perms)
		}
	}
	switch perms[3] {
	case 'p':
		entry.Private = true
	case 's':
	default:
		return entry, fmt.Errorf("invalid sharing flag in perms %q", perms)
	}

	off, err := strconv.ParseUint(offset, 16, 64)
	if err != nil {
		return entry, fmt.Errorf("invalid offset %q: %w", offset, err)
	}
	entry.Offset = uintptr(off)

	major, minor, ok := strings.Cut(dev, ":")
	if !ok {
		return entry, fmt.Errorf("invalid device %q", dev)
	}
	maj, err := strconv.ParseUint(major, 16, 32)
	if err != nil {
		return entry, fmt.Errorf("invalid device major %q: %w", major, err)
	}
	mnr, err := strconv.ParseUint(minor, 16, 32)
	if err != nil {
		return entry, fmt.Errorf("invalid device minor %q: %w", minor, err)
	}
	entry.Dev = unix.Mkdev(uint32(maj), uint32(mnr))

	entry.Inode, err = strconv.ParseUint(inode, 10, 64)
	if err != nil {
		return entry, fmt.Errorf("invalid inode %q: %w", inode, err)
	}

	entry.Path = strings.TrimLeft(rest, " \t")
	return entry, nil
}

// FindByIdentity returns the entries backed by the file (dev, inode), in
// table order.
func FindByIdentity(entries []Entry, dev, inode uint64) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Dev == dev && e.Inode == inode && inode != 0 {
			out = append(out, e)
		}
	}
	return out
}

func validatePID(pid string) error {
	if pid == "self" {
		return nil
	}
	if n, err := strconv.ParseUint(pid, 10, 32); err != nil || n == 0 {
		return fmt.Errorf("%w: invalid pid selector %q", ErrScan, pid)
	}
	return nil
}
