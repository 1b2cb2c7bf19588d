package vm

import (
	"testing"

	"patchworkos/defs"
	"patchworkos/mem"

	"github.com/stretchr/testify/require"
)

func freshPhysmem(t *testing.T) {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	mem.Phys_init(4096)
}

func TestStackGrowAndZero(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	top := uintptr(0x7fff_0000_0000)
	sp := NewGrowingStack(top, 100, false)
	s.RegisterStack(sp)

	addr := top - mem.PGSIZE + 4095 // last byte of the topmost page
	outcome, err := s.HandleFault(addr, false, true)
	require.Equal(t, FaultHandled, outcome)
	require.EqualValues(t, 0, err)

	pfn, err := s.VirtToPhys(addr)
	require.EqualValues(t, 0, err)
	pg := mem.Physmem.Bytes(pfn, mem.PGSIZE)
	for _, b := range pg {
		require.EqualValues(t, 0, b)
	}

	// Re-touching the same address must not fault again.
	_, err = s.VirtToPhys(addr)
	require.EqualValues(t, 0, err)
}

func TestGuardPageIsFatal(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	top := uintptr(0x7fff_0000_0000)
	sp := NewGrowingStack(top, 10, false)
	s.RegisterStack(sp)

	outcome, _ := s.HandleFault(sp.GuardBottom, false, true)
	require.Equal(t, FaultFatalGuard, outcome)
}

func TestUserFaultOutsideMappingIsSegv(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	outcome, err := s.HandleFault(0x1000, false, true)
	require.Equal(t, FaultUserSegv, outcome)
	require.EqualValues(t, defs.EFAULT, err)
}

func TestCheckAccessRejectsUnmapped(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	virt, err := s.Alloc(0x2000, mem.PGSIZE, PTE_U|PTE_W, PolicyFixed)
	require.EqualValues(t, 0, err)
	require.EqualValues(t, 0, s.CheckAccess(virt, mem.PGSIZE))
	require.EqualValues(t, defs.EFAULT, s.CheckAccess(virt+mem.PGSIZE, 8))
}

func TestUnmapInvokesDropCallback(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	pfn, ok := mem.Physmem.Alloc()
	require.True(t, ok)

	called := false
	err := s.MapPages(0x3000, []mem.Pfn_t{pfn}, PTE_U|PTE_W, func(arg interface{}) {
		called = true
		require.Equal(t, "payload", arg)
	}, "payload")
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, s.Unmap(0x3000, mem.PGSIZE))
	require.True(t, called)
}

func TestCopyFromUserRoundTrip(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	virt, err := s.Alloc(0x4000, mem.PGSIZE, PTE_U|PTE_W, PolicyFixed)
	require.EqualValues(t, 0, err)

	require.EqualValues(t, 0, CopyToUserAt(s, virt, []byte("hello")))
	out := make([]byte, 5)
	require.EqualValues(t, 0, CopyFromUserAt(s, virt, out))
	require.Equal(t, "hello", string(out))
}

func TestCopyFromUserBadPointerFaultsNotPanics(t *testing.T) {
	freshPhysmem(t)
	s := NewSpace()
	out := make([]byte, 8)
	require.NotPanics(t, func() {
		err := CopyFromUserAt(s, 0xdeadbeef, out)
		require.EqualValues(t, defs.EFAULT, err)
	})
}
