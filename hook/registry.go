//go:build linux

package hook

import (
	"fmt"

	"github.com/sliverarmory/plthook/memmod"
	"go.uber.org/zap"
)

// Register queues a hook of symbol in the object identified by (dev,
// inode). Nothing is patched until Commit. backup, when non-nil, receives
// the previous GOT value on commit, or 0 if the hook failed.
//
// Registering an existing key replaces its callback and backup slot.
// Registering a committed hook again with the backup value it produced
// undoes it.
func (e *Engine) Register(dev, inode uint64, symbol string, callback FuncPtr, backup *FuncPtr) error {
	return e.register(Key{Dev: dev, Inode: inode, Symbol: symbol}, callback, backup)
}

// RegisterWithOffset is Register for an object embedded at offset in its
// backing file, occupying at most size bytes. offset must be page aligned
// and is matched exactly against mapping file offsets.
func (e *Engine) RegisterWithOffset(dev, inode uint64, offset, size uintptr, symbol string, callback FuncPtr, backup *FuncPtr) error {
	if !memmod.PageAligned(offset) {
		return fmt.Errorf("register %s at offset 0x%x: %w", symbol, offset, ErrAlignment)
	}
	if size == 0 {
		return fmt.Errorf("register %s: %w: zero size", symbol, ErrInvalidArgument)
	}
	return e.register(Key{Dev: dev, Inode: inode, Windowed: true, Offset: offset, Size: size, Symbol: symbol}, callback, backup)
}

func (e *Engine) register(key Key, callback FuncPtr, backup *FuncPtr) error {
	if key.Symbol == "" {
		return fmt.Errorf("register: %w: empty symbol", ErrInvalidArgument)
	}
	if callback == 0 {
		return fmt.Errorf("register %s: %w: nil callback", key.Symbol, ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}

	prev, exists := e.intents[key]
	e.intents[key] = &intent{key: key, callback: callback, backup: backup, state: Pending}
	if !exists {
		e.order = append(e.order, key)
	}

	fields := []zap.Field{
		zap.Stringer("key", key),
		zap.Uintptr("callback", uintptr(callback)),
	}
	if exists {
		fields = append(fields, zap.Stringer("replaces", prev.state))
	}
	e.logger.Debug("registered hook", fields...)
	return nil
}
