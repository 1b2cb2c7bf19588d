package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchworkos/defs"
	"patchworkos/mem"
	"patchworkos/note"
	"patchworkos/sched"
)

func resetAll(t *testing.T, ncpu int) {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	mem.Phys_init(256)

	sched.ResetForTest(ncpu)

	mu.Lock()
	byID = map[defs.Pid_t]*Process_t{}
	nextPid, nextTid = 0, 0
	mu.Unlock()

	threadsMu.Lock()
	threadsByID = map[defs.Tid_t]*Thread_t{}
	threadsMu.Unlock()

	kernelMu = sync.Once{}
	kernel = nil

	zombiesMu.Lock()
	zombies = nil
	zombiesMu.Unlock()
	reaperOn = sync.Once{}
}

func TestNewProcessIsTrackedByID(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	got, ok := ByID(p.ID)
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestIsChildOfReflectsParentage(t *testing.T) {
	resetAll(t, 1)
	parent := New(nil, 0)
	child := New(parent, 0)
	require.True(t, child.IsChildOf(parent.ID))
	require.False(t, parent.IsChildOf(child.ID))
}

func TestKillSendsKillNoteToEveryThread(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	th := p.NewThread(0, []defs.Cpunum_t{0})

	p.Kill(7)
	require.Equal(t, 1, note.Length(&th.Notes))
	require.Equal(t, uint64(7), p.Status())
	require.True(t, p.IsDying())
}

func TestKillIsIdempotent(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	p.Kill(1)
	p.Kill(2)
	require.Equal(t, uint64(1), p.Status())
}

func TestWaitExitReturnsImmediatelyIfAlreadyDying(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	p.Kill(42)

	done := make(chan uint64, 1)
	go func() { done <- p.WaitExit() }()
	select {
	case got := <-done:
		require.Equal(t, uint64(42), got)
	case <-time.After(time.Second):
		t.Fatal("WaitExit blocked despite process already dying")
	}
}

func TestRemoveThreadPushesToZombiesOnceEmpty(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	th := p.NewThread(0, []defs.Cpunum_t{0})
	Ref(p) // hold an extra ref so sweep doesn't free it mid-test

	p.removeThread(th.Thread.ID)
	require.Equal(t, 0, p.ThreadCount())

	zombiesMu.Lock()
	n := len(zombies)
	zombiesMu.Unlock()
	require.Equal(t, 1, n)
}
