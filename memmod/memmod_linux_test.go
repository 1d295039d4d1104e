//go:build linux

package memmod

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/sliverarmory/plthook/procmaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mapTestPage(t *testing.T, fill byte, prot int) uintptr {
	t.Helper()

	b, err := unix.Mmap(-1, 0, int(PageSize()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	for i := range b {
		b[i] = fill
	}
	require.NoError(t, unix.Mprotect(b, prot))

	addr := uintptr(unsafe.Pointer(&b[0]))
	t.Cleanup(func() {
		_ = unix.MunmapPtr(unsafe.Pointer(addr), PageSize())
	})
	return addr
}

func TestPageHelpers(t *testing.T) {
	ps := PageSize()
	require.NotZero(t, ps)

	assert.True(t, PageAligned(0))
	assert.True(t, PageAligned(ps*3))
	assert.False(t, PageAligned(ps+1))
	assert.Equal(t, ps*2, PageDown(ps*2+123))
}

func TestProcessMemoryBounds(t *testing.T) {
	page := mapTestPage(t, 0xab, unix.PROT_READ)
	mem := NewProcessMemory(
		Region{Start: page, End: page + PageSize()/2},
		Region{Start: page + PageSize()/2, End: page + PageSize()},
	)

	got, err := mem.Read(page+PageSize()/2-4, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab, 0xab}, got)

	_, err = mem.Read(page+PageSize()-4, 8)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = mem.Read(page-1, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, err = mem.Read(^uintptr(0)-2, 8)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

// mapFilePage maps the second page of a two-page temporary file filled
// with fill, MAP_PRIVATE with prot, the way the loader maps segments.
func mapFilePage(t *testing.T, fill byte, prot int) (uintptr, FileMapping) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "segment.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{fill}, int(2*PageSize())), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))

	p, err := unix.MmapPtr(int(f.Fd()), int64(PageSize()), nil, PageSize(), prot, unix.MAP_PRIVATE)
	require.NoError(t, err)
	addr := uintptr(p)
	t.Cleanup(func() {
		_ = unix.MunmapPtr(unsafe.Pointer(addr), PageSize())
	})
	return addr, FileMapping{Path: path, Dev: uint64(st.Dev), Inode: uint64(st.Ino), Offset: PageSize()}
}

func mappingOf(t *testing.T, addr uintptr) procmaps.Entry {
	t.Helper()

	entries, err := procmaps.Scan(nil, "self")
	require.NoError(t, err)
	for _, m := range entries {
		if m.Contains(addr) {
			return m
		}
	}
	t.Fatalf("0x%x is not mapped", addr)
	return procmaps.Entry{}
}

func TestWriteWordReadOnlyPage(t *testing.T) {
	page := mapTestPage(t, 0, unix.PROT_READ)

	require.NoError(t, WriteWord(page+8, 0xdeadbeef, unix.PROT_READ))
	assert.Equal(t, uintptr(0xdeadbeef), ReadWord(page+8))

	// write access is dropped again after the store
	assert.Equal(t, "r--", mappingOf(t, page).Perms.String())
}

func TestWriteWordUnmappedPage(t *testing.T) {
	page := mapTestPage(t, 0, unix.PROT_READ)
	require.NoError(t, unix.MunmapPtr(unsafe.Pointer(page), PageSize()))

	require.ErrorIs(t, WriteWord(page, 1, unix.PROT_READ), ErrPatch)
}

func TestBackupPageAndRestore(t *testing.T) {
	page, file := mapFilePage(t, 0x11, unix.PROT_READ)

	backup, err := BackupPage(page, unix.PROT_READ, file)
	require.NoError(t, err)
	assert.Equal(t, page, backup.Page)
	assert.Equal(t, file, backup.File)

	// the copy is in place, anonymous, and carries the original contents
	assert.Equal(t, byte(0x11), *(*byte)(unsafe.Pointer(page + 100)))
	m := mappingOf(t, page)
	assert.True(t, m.Anonymous())
	assert.Equal(t, "r--", m.Perms.String())

	require.NoError(t, WriteWord(page, 0x4242, backup.Prot))
	require.NoError(t, WriteWord(page+0x100, 0x1234, backup.Prot))

	require.NoError(t, backup.Restore())

	// the file page is back and every write made to the copy survived
	m = mappingOf(t, page)
	assert.Equal(t, file.Inode, m.Inode)
	assert.Equal(t, file.Dev, m.Dev)
	assert.Equal(t, file.Offset, m.Offset)
	assert.Equal(t, "r--", m.Perms.String())
	assert.Equal(t, uintptr(0x4242), ReadWord(page))
	assert.Equal(t, uintptr(0x1234), ReadWord(page+0x100))
	assert.Equal(t, byte(0x11), *(*byte)(unsafe.Pointer(page + 0x200)))

	// the file itself is untouched
	data, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, len(data)), data)

	// restoring twice is a no-op
	require.NoError(t, backup.Restore())
}

func TestBackupPageKeepsWriterRunning(t *testing.T) {
	page, file := mapFilePage(t, 0, unix.PROT_READ|unix.PROT_WRITE)
	counter := (*uint64)(unsafe.Pointer(page + 0x80))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				atomic.AddUint64(counter, 1)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		backup, err := BackupPage(page, unix.PROT_READ|unix.PROT_WRITE, file)
		require.NoError(t, err)
		require.NoError(t, backup.Restore())
	}
	close(stop)
	<-done

	// the page stayed mapped throughout; a fault would have killed the test
	assert.NotZero(t, atomic.LoadUint64(counter))
	assert.Equal(t, file.Inode, mappingOf(t, page).Inode)
}

func TestBackupPageRejectsUnaligned(t *testing.T) {
	page, file := mapFilePage(t, 0, unix.PROT_READ)

	_, err := BackupPage(page+1, unix.PROT_READ, file)
	require.ErrorIs(t, err, ErrPatch)

	file.Offset++
	_, err = BackupPage(page, unix.PROT_READ, file)
	require.ErrorIs(t, err, ErrPatch)
}

func TestBackupPageRejectsWrongFile(t *testing.T) {
	page, file := mapFilePage(t, 0x22, unix.PROT_READ)

	wrong := file
	wrong.Inode++
	_, err := BackupPage(page, unix.PROT_READ, wrong)
	require.ErrorIs(t, err, ErrPatch)

	_, err = BackupPage(page, unix.PROT_READ, FileMapping{})
	require.ErrorIs(t, err, ErrPatch)

	beyond := file
	beyond.Offset = 4 * PageSize()
	_, err = BackupPage(page, unix.PROT_READ, beyond)
	require.ErrorIs(t, err, ErrPatch)

	// rejected backups leave the file page in place
	assert.Equal(t, file.Inode, mappingOf(t, page).Inode)
}
