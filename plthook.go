//go:build linux

package plthook

import (
	"fmt"
	"sync"

	"github.com/sliverarmory/plthook/hook"
	"github.com/sliverarmory/plthook/procmaps"
	"go.uber.org/zap"
)

// FuncPtr is the raw address of a C function.
type FuncPtr = hook.FuncPtr

// MapInfo is one line of a process mapping table.
type MapInfo = procmaps.Entry

var (
	ErrScan           = hook.ErrScan
	ErrAlignment      = hook.ErrAlignment
	ErrFormat         = hook.ErrFormat
	ErrSymbolNotFound = hook.ErrSymbolNotFound
	ErrPatch          = hook.ErrPatch
	ErrCommit         = hook.ErrCommit
	ErrInvalidate     = hook.ErrInvalidate
	ErrEngineClosed   = hook.ErrEngineClosed
)

var (
	engineOnce sync.Once
	engine     *hook.Engine
	engineErr  error

	loggerMu sync.Mutex
	logger   = zap.NewNop()
)

// SetLogger sets the logger of the process-wide engine. It only has an
// effect before the first hook is registered.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func defaultEngine() (*hook.Engine, error) {
	engineOnce.Do(func() {
		loggerMu.Lock()
		l := logger
		loggerMu.Unlock()

		engine, engineErr = hook.New(l.Named("plthook"))
		if engineErr != nil {
			engineErr = fmt.Errorf("plthook: create engine: %w", engineErr)
		}
	})
	return engine, engineErr
}

// Scan returns the mapping table of pid, which is "self" or a decimal
// process id.
func Scan(pid string) ([]MapInfo, error) {
	loggerMu.Lock()
	l := logger
	loggerMu.Unlock()
	return procmaps.Scan(l, pid)
}

// ScanSelf returns the mapping table of the current process.
func ScanSelf() ([]MapInfo, error) {
	return Scan("self")
}

// RegisterHook queues a hook of symbol in the object identified by (dev,
// inode). backup, when non-nil, receives the previous GOT value on commit.
// Registering the backup value again undoes the hook.
func RegisterHook(dev, inode uint64, symbol string, callback FuncPtr, backup *FuncPtr) error {
	e, err := defaultEngine()
	if err != nil {
		return err
	}
	return e.Register(dev, inode, symbol, callback, backup)
}

// RegisterHookWithOffset is RegisterHook for an object that starts at a
// page aligned offset inside its backing file and spans size bytes.
func RegisterHookWithOffset(dev, inode uint64, offset, size uintptr, symbol string, callback FuncPtr, backup *FuncPtr) error {
	e, err := defaultEngine()
	if err != nil {
		return err
	}
	return e.RegisterWithOffset(dev, inode, offset, size, symbol, callback, backup)
}

// CommitHook applies every pending hook.
func CommitHook() error {
	e, err := defaultEngine()
	if err != nil {
		return err
	}
	return e.Commit()
}

// InvalidateBackup puts the original file-backed pages back in place while
// keeping every committed hook in effect.
func InvalidateBackup() error {
	e, err := defaultEngine()
	if err != nil {
		return err
	}
	return e.Invalidate()
}

// Close invalidates the backups of the process-wide engine and disables
// it. Later calls report ErrEngineClosed.
func Close() error {
	e, err := defaultEngine()
	if err != nil {
		return err
	}
	return e.Close()
}
