package main

/*
#include <stdint.h>
#include <unistd.h>

static int call_getpid(void) { return (int)getpid(); }

static pid_t fake_getpid(void) { return 2333; }

static uintptr_t fake_getpid_addr(void) { return (uintptr_t)&fake_getpid; }

static int call_fn(uintptr_t fn) { return ((int (*)(void))fn)(); }
*/
import "C"

import (
	"fmt"
	"os"

	"github.com/sliverarmory/plthook"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defer plthook.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Stat(exe, &st); err != nil {
		return err
	}

	before := int(C.call_getpid())

	var backup plthook.FuncPtr
	if err := plthook.RegisterHook(uint64(st.Dev), uint64(st.Ino), "getpid", plthook.FuncPtr(C.fake_getpid_addr()), &backup); err != nil {
		return err
	}
	if err := plthook.CommitHook(); err != nil {
		return err
	}
	hooked := int(C.call_getpid())
	original := int(C.call_fn(C.uintptr_t(backup)))

	if err := plthook.InvalidateBackup(); err != nil {
		return err
	}
	invalidated := int(C.call_getpid())

	if err := plthook.RegisterHook(uint64(st.Dev), uint64(st.Ino), "getpid", backup, nil); err != nil {
		return err
	}
	if err := plthook.CommitHook(); err != nil {
		return err
	}
	restored := int(C.call_getpid())

	fmt.Printf("before=%d hooked=%d original=%d invalidated=%d restored=%d\n", before, hooked, original, invalidated, restored)
	return nil
}
