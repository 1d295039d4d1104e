//go:build linux && cgo

// Package cgotarget links a few libc imports into the executable so the
// executable's own GOT can be hooked, together with replacement functions
// to hook them with.
package cgotarget

/*
#include <stdint.h>
#include <sys/types.h>
#include <unistd.h>

static int plthook_target_getpid(void) { return (int)getpid(); }
static int plthook_target_getppid(void) { return (int)getppid(); }

static pid_t plthook_fake_getpid(void) { return 2333; }
static pid_t plthook_fake_getppid(void) { return 4666; }

static uintptr_t plthook_fake_getpid_addr(void) { return (uintptr_t)&plthook_fake_getpid; }
static uintptr_t plthook_fake_getppid_addr(void) { return (uintptr_t)&plthook_fake_getppid; }
*/
import "C"

const (
	// FakePID is returned by the function at FakeGetpidAddr.
	FakePID = 2333
	// FakePPID is returned by the function at FakeGetppidAddr.
	FakePPID = 4666
)

// CallGetpid calls getpid through the executable's PLT.
func CallGetpid() int { return int(C.plthook_target_getpid()) }

// CallGetppid calls getppid through the executable's PLT.
func CallGetppid() int { return int(C.plthook_target_getppid()) }

func FakeGetpidAddr() uintptr { return uintptr(C.plthook_fake_getpid_addr()) }

func FakeGetppidAddr() uintptr { return uintptr(C.plthook_fake_getppid_addr()) }
