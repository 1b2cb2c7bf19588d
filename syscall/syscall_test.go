package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"patchworkos/defs"
	"patchworkos/vm"
)

func resetTable(t *testing.T) {
	t.Helper()
	mu.Lock()
	pending = nil
	table = nil
	sorted = false
	mu.Unlock()
	NotePendingHook = nil
	InvokeNoteHook = nil
}

func echoHandler(n uint64) Handler {
	return func(as *vm.Space_t, args Args) (uint64, defs.Err_t) { return n, 0 }
}

func TestInitSortsOutOfOrderRegistrations(t *testing.T) {
	resetTable(t)
	Register(2, "two", echoHandler(2))
	Register(0, "zero", echoHandler(0))
	Register(1, "one", echoHandler(1))
	Init()

	for n := uint64(0); n < 3; n++ {
		res, err := Handle(nil, nil, n, Args{})
		require.Equal(t, defs.Err_t(0), err)
		require.Equal(t, n, res)
	}
}

func TestInitPanicsOnSparseNumbering(t *testing.T) {
	resetTable(t)
	Register(0, "zero", echoHandler(0))
	Register(2, "two", echoHandler(2))
	require.Panics(t, Init)
}

func TestHandleReturnsENOENTForUnknownNumber(t *testing.T) {
	resetTable(t)
	Register(0, "zero", echoHandler(0))
	Init()

	_, err := Handle(nil, nil, 99, Args{})
	require.Equal(t, defs.ENOENT, err)
}

func TestHandleInvokesNoteHookWhenPending(t *testing.T) {
	resetTable(t)
	Register(0, "zero", echoHandler(0))
	Init()

	pendingCalled, invoked := false, false
	NotePendingHook = func() bool { pendingCalled = true; return true }
	InvokeNoteHook = func() { invoked = true }

	_, _ = Handle(nil, nil, 0, Args{})
	require.True(t, pendingCalled)
	require.True(t, invoked)
}

func TestHandleSkipsNoteHookWhenNotPending(t *testing.T) {
	resetTable(t)
	Register(0, "zero", echoHandler(0))
	Init()

	invoked := false
	NotePendingHook = func() bool { return false }
	InvokeNoteHook = func() { invoked = true }

	_, _ = Handle(nil, nil, 0, Args{})
	require.False(t, invoked)
}
