package futex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchworkos/defs"
	"patchworkos/mem"
	"patchworkos/vm"
)

func freshSpace(t *testing.T, nframes int) (*vm.Space_t, uintptr) {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	mem.Phys_init(nframes)
	as := vm.NewSpace()
	virt, err := as.Alloc(0x1000, mem.PGSIZE, vm.PTE_U|vm.PTE_W, vm.PolicyFixed)
	require.Zero(t, err)
	return as, virt
}

func TestWaitReturnsEAGAINOnValueMismatch(t *testing.T) {
	as, addr := freshSpace(t, 64)
	var c Ctx_t
	err := c.Wait(as, addr, 42, 0)
	require.Equal(t, defs.EAGAIN, err)
}

func TestWakeReturnsZeroWithNoWaiters(t *testing.T) {
	var c Ctx_t
	require.Zero(t, c.Wake(0x1000, 1))
}

func TestWaitWakesOnMatchingWake(t *testing.T) {
	as, addr := freshSpace(t, 64)
	var c Ctx_t

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- c.Wait(as, addr, 0, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, c.Wake(addr, 1))

	select {
	case err := <-done:
		require.Zero(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}
