//go:build linux

// Package hook implements the PLT/GOT hook registry of the current
// process: hooks are registered as pending intents, applied in batches by
// Commit, and moved back onto the original file-backed pages by
// Invalidate.
package hook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sliverarmory/plthook/elfgot"
	"github.com/sliverarmory/plthook/memmod"
	"github.com/sliverarmory/plthook/procmaps"
	"go.uber.org/zap"
)

var (
	ErrScan           = procmaps.ErrScan
	ErrAlignment      = elfgot.ErrAlignment
	ErrFormat         = elfgot.ErrFormat
	ErrSymbolNotFound = elfgot.ErrSymbolNotFound
	ErrPatch          = memmod.ErrPatch

	// ErrCommit is returned when one or more intents failed during Commit.
	ErrCommit = errors.New("hook: commit failed")
	// ErrInvalidate is returned when one or more pages could not be
	// restored during Invalidate.
	ErrInvalidate = errors.New("hook: invalidate failed")

	ErrInvalidArgument = errors.New("hook: invalid argument")
	ErrEngineClosed    = errors.New("hook: engine is closed")
	// ErrNotMapped is returned when no readable mapping of the target
	// file starts at the expected file offset.
	ErrNotMapped = errors.New("hook: target is not mapped")
)

// FuncPtr is the raw address of a C function. The engine writes it into
// GOT slots as-is; it must have the calling convention and signature of
// the symbol it replaces.
type FuncPtr uintptr

// State is the lifecycle state of a registered hook.
type State int

const (
	Pending State = iota
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key identifies one hook target.
type Key struct {
	Dev      uint64
	Inode    uint64
	Windowed bool
	Offset   uintptr
	Size     uintptr
	Symbol   string
}

func (k Key) String() string {
	if k.Windowed {
		return fmt.Sprintf("%d:%d+0x%x[0x%x]!%s", k.Dev, k.Inode, k.Offset, k.Size, k.Symbol)
	}
	return fmt.Sprintf("%d:%d!%s", k.Dev, k.Inode, k.Symbol)
}

func (k Key) window() *elfgot.Window {
	if !k.Windowed {
		return nil
	}
	return &elfgot.Window{Offset: k.Offset, Size: k.Size}
}

type intent struct {
	key      Key
	callback FuncPtr
	backup   *FuncPtr
	state    State
	slots    []uintptr
	err      error
}

// IntentStatus is a snapshot of one registered hook.
type IntentStatus struct {
	Key      Key
	Callback FuncPtr
	State    State
	Slots    []uintptr
	Err      error
}

// Engine owns the hook registry and the patched pages. All methods are
// safe for concurrent use; they serialize on one lock.
type Engine struct {
	mu sync.Mutex

	logger   *zap.Logger
	resolver *elfgot.Resolver
	scan     func() ([]procmaps.Entry, error)

	order   []Key
	intents map[Key]*intent
	records map[uintptr]*record
	closed  bool
}

// New returns an engine for the running process.
func New(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver, err := elfgot.NewResolver(memmod.PageSize())
	if err != nil {
		return nil, err
	}
	return &Engine{
		logger:   logger,
		resolver: resolver,
		scan: func() ([]procmaps.Entry, error) {
			return procmaps.Scan(logger, "self")
		},
		intents: make(map[Key]*intent),
		records: make(map[uintptr]*record),
	}, nil
}

// Intents returns the registered hooks in registration order.
func (e *Engine) Intents() []IntentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]IntentStatus, 0, len(e.order))
	for _, key := range e.order {
		in := e.intents[key]
		out = append(out, IntentStatus{
			Key:      in.key,
			Callback: in.callback,
			State:    in.state,
			Slots:    append([]uintptr(nil), in.slots...),
			Err:      in.err,
		})
	}
	return out
}

// Close restores every patched page with Invalidate and rejects further
// use of the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	err := e.invalidateLocked()
	e.closed = true
	return err
}
