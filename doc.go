// Package plthook hooks the calls ELF objects loaded in the current process
// make through their GOT. Hooks are registered against an object's (device,
// inode) identity and a symbol name, applied together by CommitHook, and
// undone by registering the saved backup address again.
//
// Only Linux is supported.
package plthook
