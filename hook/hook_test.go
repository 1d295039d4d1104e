//go:build linux

package hook

import (
	"errors"
	"testing"

	"github.com/sliverarmory/plthook/procmaps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()

	e, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, e.Close()) })
	return e
}

func TestRegisterValidatesArguments(t *testing.T) {
	e := newEngine(t)

	err := e.Register(1, 2, "", 0x1000, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = e.Register(1, 2, "getpid", 0, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = e.RegisterWithOffset(1, 2, 1, 0x1000, "getpid", 0x1000, nil)
	assert.ErrorIs(t, err, ErrAlignment)

	err = e.RegisterWithOffset(1, 2, 0, 0, "getpid", 0x1000, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, e.Intents())
}

func TestRegisterReplacesIntent(t *testing.T) {
	e := newEngine(t)

	var first, second FuncPtr
	require.NoError(t, e.Register(1, 2, "open", 0x1000, &first))
	require.NoError(t, e.Register(1, 2, "close", 0x2000, nil))
	require.NoError(t, e.Register(1, 2, "open", 0x3000, &second))

	intents := e.Intents()
	require.Len(t, intents, 2)
	assert.Equal(t, "open", intents[0].Key.Symbol)
	assert.Equal(t, FuncPtr(0x3000), intents[0].Callback)
	assert.Equal(t, Pending, intents[0].State)
	assert.Equal(t, "close", intents[1].Key.Symbol)

	// windowed and unwindowed registrations of a symbol are distinct hooks
	require.NoError(t, e.RegisterWithOffset(1, 2, 0, 0x1000, "open", 0x4000, nil))
	assert.Len(t, e.Intents(), 3)
}

func TestCommitWithoutPendingSkipsScan(t *testing.T) {
	e := newEngine(t)
	e.scan = func() ([]procmaps.Entry, error) {
		t.Fatal("scan called with nothing pending")
		return nil, nil
	}
	assert.NoError(t, e.Commit())
}

func TestCommitScanFailureKeepsIntentsPending(t *testing.T) {
	e := newEngine(t)
	e.scan = func() ([]procmaps.Entry, error) {
		return nil, errors.Join(ErrScan, errors.New("maps unavailable"))
	}

	backup := FuncPtr(0xdead)
	require.NoError(t, e.Register(1, 2, "getpid", 0x1000, &backup))

	err := e.Commit()
	require.ErrorIs(t, err, ErrCommit)
	require.ErrorIs(t, err, ErrScan)

	intents := e.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, Pending, intents[0].State)
	assert.Equal(t, FuncPtr(0xdead), backup)
}

func TestCommitUnmappedTarget(t *testing.T) {
	e := newEngine(t)

	backup := FuncPtr(0xdead)
	require.NoError(t, e.Register(^uint64(0), ^uint64(0), "getpid", 0x1000, &backup))

	err := e.Commit()
	require.ErrorIs(t, err, ErrCommit)
	require.ErrorIs(t, err, ErrNotMapped)
	assert.Zero(t, backup)

	intents := e.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, Failed, intents[0].State)
	assert.ErrorIs(t, intents[0].Err, ErrNotMapped)

	// failed intents are not retried
	assert.NoError(t, e.Commit())
}

func TestClosedEngineRejectsUse(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Register(1, 2, "getpid", 0x1000, nil), ErrEngineClosed)
	assert.ErrorIs(t, e.Commit(), ErrEngineClosed)
	assert.ErrorIs(t, e.Invalidate(), ErrEngineClosed)
}

func TestInvalidateWithoutRecords(t *testing.T) {
	e := newEngine(t)
	assert.NoError(t, e.Invalidate())
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "1:2!getpid", Key{Dev: 1, Inode: 2, Symbol: "getpid"}.String())
	assert.Equal(t, "1:2+0x1000[0x2000]!getpid",
		Key{Dev: 1, Inode: 2, Windowed: true, Offset: 0x1000, Size: 0x2000, Symbol: "getpid"}.String())
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
