package mem

import (
	"testing"

	"patchworkos/defs"

	"github.com/stretchr/testify/require"
)

func freshPhysmem(t *testing.T, nframes int) *Physmem_t {
	t.Helper()
	Physmem = &Physmem_t{}
	return Phys_init(nframes)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	phys := freshPhysmem(t, 256)
	total, free0 := phys.Pgcount()
	require.Equal(t, 256, total)

	var got []Pfn_t
	for i := 0; i < 10; i++ {
		pfn, ok := phys.Alloc()
		require.True(t, ok)
		got = append(got, pfn)
	}
	_, free1 := phys.Pgcount()
	require.Equal(t, free0-10, free1)

	for _, pfn := range got {
		phys.Free(pfn)
	}
	_, free2 := phys.Pgcount()
	require.Equal(t, free0, free2)
}

func TestAllocZeroed(t *testing.T) {
	phys := freshPhysmem(t, 64)
	pfn, ok := phys.Alloc()
	require.True(t, ok)
	pg := phys.Dmap(pfn.addr())
	for i := range pg {
		pg[i] = 0xff
	}
	phys.Free(pfn)

	pfn2, ok := phys.AllocZeroed()
	require.True(t, ok)
	pg2 := phys.Dmap(pfn2.addr())
	for _, b := range pg2 {
		require.EqualValues(t, 0, b)
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	phys := freshPhysmem(t, 16)
	pfn, ok := phys.Alloc()
	require.True(t, ok)
	phys.Free(pfn)
	require.Panics(t, func() { phys.Free(pfn) })
}

func TestAllocBitmapContiguousAndAligned(t *testing.T) {
	phys := freshPhysmem(t, 4096)
	pfn, err := phys.AllocBitmap(4, Pa_t(phys.bitmap.total*PGSIZE), 4*PGSIZE)
	require.EqualValues(t, 0, err)
	require.Zero(t, int(pfn)%4)
	for i := 0; i < 4; i++ {
		require.EqualValues(t, 1, phys.Refcnt(pfn+Pfn_t(i)))
	}
	phys.FreeRegion(pfn, 4)
}

func TestAllocBitmapExhaustionReturnsNoSpace(t *testing.T) {
	phys := freshPhysmem(t, 8)
	_, err := phys.AllocBitmap(1<<20, Pa_t(phys.bitmap.total*PGSIZE), PGSIZE)
	require.EqualValues(t, defs.ENOSPC, err)
}

func TestFreeBelowThresholdGoesToBitmap(t *testing.T) {
	// Frames below the bitmap threshold always return to the bitmap
	// backend regardless of which backend issued them (spec.md §4.A).
	phys := freshPhysmem(t, 32)
	require.True(t, phys.backendFor(0))
}

func TestAllocManyHoldsLockOnce(t *testing.T) {
	phys := freshPhysmem(t, 512)
	out := make([]Pfn_t, 50)
	n := phys.AllocMany(out)
	require.Equal(t, 50, n)
	seen := map[Pfn_t]bool{}
	for _, pfn := range out[:n] {
		require.False(t, seen[pfn])
		seen[pfn] = true
	}
}
