//go:build linux && cgo

package memmod

/*
#include <stdint.h>

typedef uintptr_t (*plthook_fn0)(void);

static uintptr_t plthook_call0(uintptr_t fn) {
	return ((plthook_fn0)fn)();
}

static void plthook_clear_cache(uintptr_t start, uintptr_t end) {
	__builtin___clear_cache((char *)start, (char *)end);
}
*/
import "C"

import "errors"

// Call0 calls the zero-argument C function at fn and returns its result
// register.
func Call0(fn uintptr) (uintptr, error) {
	if fn == 0 {
		return 0, errors.New("memmod: call through nil function pointer")
	}
	return uintptr(C.plthook_call0(C.uintptr_t(fn))), nil
}

// FlushInstructionCache makes stores to [start, end) visible to
// instruction fetch.
func FlushInstructionCache(start, end uintptr) {
	if end <= start {
		return
	}
	C.plthook_clear_cache(C.uintptr_t(start), C.uintptr_t(end))
}
