//go:build linux && cgo

package main

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExecutableImport(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	out, err := execute(t, "resolve", exe, "getpid")
	require.NoError(t, err)
	assert.Contains(t, out, exe)
}

func TestDemo(t *testing.T) {
	out, err := execute(t, "demo")
	require.NoError(t, err)

	pid := os.Getpid()
	assert.Contains(t, out, fmt.Sprintf("getpid: %d\n", pid))
	assert.Contains(t, out, "hooked getpid: 2333\n")
	assert.Contains(t, out, fmt.Sprintf("original getpid: %d\n", pid))
	assert.Contains(t, out, fmt.Sprintf("restored getpid: %d\n", pid))
}
