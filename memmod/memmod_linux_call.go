//go:build linux && !cgo

package memmod

import "errors"

// ErrNoCgo is returned by Call0 in builds without cgo.
var ErrNoCgo = errors.New("memmod: calling C function pointers requires cgo")

func Call0(fn uintptr) (uintptr, error) {
	_ = fn
	return 0, ErrNoCgo
}

// FlushInstructionCache is a no-op without cgo. GOT slots are data, so
// nothing fetched as code has been modified.
func FlushInstructionCache(start, end uintptr) {
	_, _ = start, end
}
