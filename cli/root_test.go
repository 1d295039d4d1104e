//go:build linux

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sliverarmory/plthook/procmaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := procmaps.ScanRoot
	t.Cleanup(func() { procmaps.ScanRoot = root })

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// rows returns the cells of every table row below the header.
func rows(out string) [][]string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) < 2 {
		return nil
	}
	var rs [][]string
	for _, line := range lines[2:] {
		cells := strings.Split(line, "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		rs = append(rs, cells)
	}
	return rs
}

func TestMapsFiltersByPath(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	out, err := execute(t, "maps", "--path", filepath.Base(exe))
	require.NoError(t, err)
	assert.Contains(t, out, exe)

	rs := rows(out)
	require.NotEmpty(t, rs)
	for _, r := range rs {
		require.Len(t, r, 7)
		assert.Contains(t, r[6], filepath.Base(exe))
	}
}

func TestMapsExecOnly(t *testing.T) {
	out, err := execute(t, "maps", "--exec")
	require.NoError(t, err)
	rs := rows(out)
	require.NotEmpty(t, rs)
	for _, r := range rs {
		require.Len(t, r, 7)
		assert.Equal(t, byte('x'), r[2][2], r)
	}
}

func TestMapsFromProcRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "7"), 0o755))
	table := "00400000-00401000 r-xp 00000000 08:01 1234 /opt/app/bin\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "7", "maps"), []byte(table), 0o600))

	out, err := execute(t, "--procRoot", root, "maps", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "/opt/app/bin")
	assert.Contains(t, out, "r-xp")
	assert.Contains(t, out, "1234")
}

func TestMapsRejectsBadPID(t *testing.T) {
	_, err := execute(t, "maps", "not-a-pid")
	require.ErrorIs(t, err, procmaps.ErrScan)
}

func TestResolveUnknownObject(t *testing.T) {
	_, err := execute(t, "resolve", "plthook-no-such-object", "getpid")
	require.Error(t, err)
}

func TestFilterMaps(t *testing.T) {
	entries := []procmaps.Entry{
		{Perms: procmaps.PermRead, Path: "/usr/lib/libc.so.6"},
		{Perms: procmaps.PermRead | procmaps.PermExec, Path: "/usr/lib/libc.so.6"},
		{Perms: procmaps.PermRead | procmaps.PermExec, Path: "/usr/lib/libz.so.1"},
	}
	assert.Len(t, filterMaps(entries, "libc", false), 2)
	assert.Len(t, filterMaps(entries, "", true), 2)
	assert.Len(t, filterMaps(entries, "libc", true), 1)
}
