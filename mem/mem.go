// Package mem implements the page-frame allocator (spec.md §4.A): a flat
// arena of simulated physical RAM, a LIFO free-stack backend for ordinary
// frames, and a bitmap backend for frames below limits.PMMBitmapMaxAddr
// that hardware buffers need contiguous and address-constrained.
//
// The teacher (biscuit's mem package) runs on real physical memory reached
// through a direct map (Dmap) into a custom runtime's higher half. Here the
// "physical memory" is an ordinary []byte arena and a PFN is simply an
// index into it; Dmap still exists so callers above this package keep
// writing the teacher's Dmap-shaped code.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"patchworkos/defs"
	"patchworkos/limits"
	"patchworkos/util"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

/// Pa_t represents a simulated physical address (PFN*PGSIZE).
type Pa_t uintptr

/// Pfn_t is a physical frame number, the PMM's allocation unit.
type Pfn_t uint32

func (p Pa_t) pfn() Pfn_t   { return Pfn_t(p >> PGSHIFT) }
func (p Pfn_t) addr() Pa_t  { return Pa_t(p) << PGSHIFT }

/// Pg_t is one page's worth of bytes, the unit callers read/write.
type Pg_t [PGSIZE]byte

/// pageBufferMax is the number of PFN slots each free-stack buffer page
/// carries, matching the original's PMM_BUFFER_MAX in-place header scheme
/// (spec.md §3, "Frame (PMM unit)").
const pageBufferMax = (PGSIZE - 8) / 4

// pageBuffer_t is written in-place into a freed frame's bytes: prev links
// to the previous buffer page (by PFN, NeverPfn if none) and pages holds up
// to pageBufferMax owned-but-unused PFNs.
type pageBuffer_t struct {
	prev  Pfn_t
	index int32
	pages [pageBufferMax]Pfn_t
}

/// NeverPfn marks the absence of a frame in a link field.
const NeverPfn Pfn_t = ^Pfn_t(0)

/// freeStack_t is the LIFO backend for ordinary frames (spec.md §4.A).
type freeStack_t struct {
	sync.Mutex
	last Pfn_t /// PFN of the top-of-stack buffer page, or NeverPfn
	free int64
}

// bitmapBackend_t is the contiguous-run backend used for frames below
// limits.PMMBitmapMaxAddr (spec.md §4.A, hardware buffers requiring
// physical contiguity below some address).
type bitmapBackend_t struct {
	sync.Mutex
	bits  []uint64
	total int
	free  int64
}

/// Physmem_t owns all simulated RAM: the byte arena plus the two backends.
type Physmem_t struct {
	arena    []byte
	nframes  int
	startPfn Pfn_t /// first PFN managed (arena may not start at PFN 0)

	stack  freeStack_t
	bitmap bitmapBackend_t

	// refcounts, parallel to the arena, used by vm for copy-on-write and
	// page-table sharing.
	refcnt []int32
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Phys_init reserves nframes simulated frames of RAM and returns the
/// allocator. Frames below limits.PMMBitmapMaxAddr are owned by the bitmap
/// backend; the rest seed the free stack.
func Phys_init(nframes int) *Physmem_t {
	phys := Physmem
	phys.arena = make([]byte, nframes*PGSIZE)
	phys.nframes = nframes
	phys.startPfn = 0
	phys.refcnt = make([]int32, nframes)
	phys.stack.last = NeverPfn

	bitmapFrames := util.Min(nframes, limits.PMMBitmapMaxAddr/PGSIZE)
	phys.bitmap.total = bitmapFrames
	phys.bitmap.bits = make([]uint64, (bitmapFrames+63)/64)

	for pfn := Pfn_t(0); int(pfn) < bitmapFrames; pfn++ {
		phys.bitmapMarkFree(pfn)
	}
	for pfn := Pfn_t(bitmapFrames); int(pfn) < nframes; pfn++ {
		phys.stackFree(pfn)
	}
	fmt.Printf("mem: reserved %d frames (%d MiB), %d bitmap-managed\n",
		nframes, nframes*PGSIZE>>20, bitmapFrames)
	return phys
}

func (phys *Physmem_t) inBitmapRange(pfn Pfn_t) bool {
	return int(pfn) < phys.bitmap.total
}

// --- page access -----------------------------------------------------

/// Dmap returns the simulated direct-mapped bytes backing pfn.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pfn := p.pfn()
	off := int(pfn) * PGSIZE
	return (*Pg_t)(unsafe.Pointer(&phys.arena[off]))
}

/// Bytes returns a byte slice view of the page at pfn, sized len (<=PGSIZE).
func (phys *Physmem_t) Bytes(pfn Pfn_t, length int) []byte {
	off := int(pfn) * PGSIZE
	return phys.arena[off : off+length]
}

/// PfnOf locates the frame and in-page byte offset backing the first byte
/// of b, given that b was sliced from this allocator's arena (e.g. by
/// Bytes or Dmap). Callers above mem use this to recover a frame's
/// identity from a bare pointer, the way slab caches derive a slab header
/// from an object address instead of carrying it alongside the pointer.
func (phys *Physmem_t) PfnOf(b []byte) (Pfn_t, int) {
	base := uintptr(unsafe.Pointer(&phys.arena[0]))
	ptr := uintptr(unsafe.Pointer(&b[0]))
	off := ptr - base
	return Pfn_t(off / PGSIZE), int(off % PGSIZE)
}

// --- free-stack backend ------------------------------------------------

func (phys *Physmem_t) stackAlloc() (Pfn_t, bool) {
	phys.stack.Lock()
	defer phys.stack.Unlock()
	if phys.stack.last == NeverPfn {
		return 0, false
	}
	hdr := (*pageBuffer_t)(unsafe.Pointer(&phys.arena[int(phys.stack.last)*PGSIZE]))
	var pfn Pfn_t
	if hdr.index == 0 {
		pfn = phys.stack.last
		phys.stack.last = hdr.prev
		phys.stack.free--
		return pfn, true
	}
	hdr.index--
	pfn = hdr.pages[hdr.index]
	phys.stack.free--
	return pfn, true
}

func (phys *Physmem_t) stackFree(pfn Pfn_t) {
	phys.stack.Lock()
	defer phys.stack.Unlock()
	phys._stackFreeLocked(pfn)
}

func (phys *Physmem_t) _stackFreeLocked(pfn Pfn_t) {
	if phys.stack.last == NeverPfn {
		hdr := (*pageBuffer_t)(unsafe.Pointer(&phys.arena[int(pfn)*PGSIZE]))
		hdr.prev = NeverPfn
		hdr.index = 0
		phys.stack.last = pfn
		phys.stack.free++
		return
	}
	top := (*pageBuffer_t)(unsafe.Pointer(&phys.arena[int(phys.stack.last)*PGSIZE]))
	if int(top.index) == pageBufferMax {
		hdr := (*pageBuffer_t)(unsafe.Pointer(&phys.arena[int(pfn)*PGSIZE]))
		hdr.prev = phys.stack.last
		hdr.index = 0
		phys.stack.last = pfn
		phys.stack.free++
		return
	}
	top.pages[top.index] = pfn
	top.index++
	phys.stack.free++
}

// --- bitmap backend ------------------------------------------------

func (phys *Physmem_t) bitmapTest(pfn Pfn_t) bool {
	return phys.bitmap.bits[pfn/64]&(1<<(pfn%64)) != 0
}

func (phys *Physmem_t) bitmapSet(pfn Pfn_t) {
	phys.bitmap.bits[pfn/64] |= 1 << (pfn % 64)
}

func (phys *Physmem_t) bitmapClear(pfn Pfn_t) {
	phys.bitmap.bits[pfn/64] &^= 1 << (pfn % 64)
}

// bitmapMarkFree marks pfn as available without taking the lock; used only
// during Phys_init before the allocator is visible to other goroutines.
func (phys *Physmem_t) bitmapMarkFree(pfn Pfn_t) {
	phys.bitmapClear(pfn)
	phys.bitmap.free++
}

// bitmapAllocRegion finds `count` contiguous clear bits below maxPfn
// aligned to alignFrames, sets them, and returns the first PFN.
func (phys *Physmem_t) bitmapAllocRegion(count int, maxPfn int, alignFrames int) (Pfn_t, bool) {
	phys.bitmap.Lock()
	defer phys.bitmap.Unlock()

	limit := util.Min(maxPfn, phys.bitmap.total)
	for start := 0; start+count <= limit; start += alignFrames {
		free := true
		for i := 0; i < count; i++ {
			if phys.bitmapTest(Pfn_t(start + i)) {
				free = false
				break
			}
		}
		if free {
			for i := 0; i < count; i++ {
				phys.bitmapSet(Pfn_t(start + i))
			}
			phys.bitmap.free -= int64(count)
			return Pfn_t(start), true
		}
	}
	return 0, false
}

func (phys *Physmem_t) bitmapFreeRegion(pfn Pfn_t, count int) {
	phys.bitmap.Lock()
	defer phys.bitmap.Unlock()
	for i := 0; i < count; i++ {
		phys.bitmapClear(pfn + Pfn_t(i))
	}
	phys.bitmap.free += int64(count)
}

// --- public contracts (spec.md §4.A) ------------------------------------

/// Alloc returns one uninitialised frame, or ok=false if none remain.
/// Pops from the top of the free stack; when the stack is empty it takes
/// the lowest free frame of the bitmap backend instead.
func (phys *Physmem_t) Alloc() (Pfn_t, bool) {
	pfn, ok := phys.stackAlloc()
	if !ok {
		pfn, ok = phys.bitmapAllocRegion(1, phys.bitmap.total, 1)
		if !ok {
			return 0, false
		}
	}
	atomic.StoreInt32(&phys.refcnt[pfn], 1)
	return pfn, true
}

/// AllocZeroed behaves like Alloc but zeroes the returned page.
func (phys *Physmem_t) AllocZeroed() (Pfn_t, bool) {
	pfn, ok := phys.Alloc()
	if !ok {
		return 0, false
	}
	pg := phys.Dmap(pfn.addr())
	for i := range pg {
		pg[i] = 0
	}
	return pfn, true
}

/// AllocMany allocates n frames into out, holding the free-stack lock once;
/// once the stack is empty the rest come from the bitmap backend, as in
/// Alloc. Returns the number actually allocated; fewer than n means
/// exhaustion.
func (phys *Physmem_t) AllocMany(out []Pfn_t) int {
	phys.stack.Lock()
	defer phys.stack.Unlock()
	n := 0
	for n < len(out) {
		if phys.stack.last == NeverPfn {
			break
		}
		hdr := (*pageBuffer_t)(unsafe.Pointer(&phys.arena[int(phys.stack.last)*PGSIZE]))
		var pfn Pfn_t
		if hdr.index == 0 {
			pfn = phys.stack.last
			phys.stack.last = hdr.prev
		} else {
			hdr.index--
			pfn = hdr.pages[hdr.index]
		}
		phys.stack.free--
		atomic.StoreInt32(&phys.refcnt[pfn], 1)
		out[n] = pfn
		n++
	}
	for n < len(out) {
		pfn, ok := phys.bitmapAllocRegion(1, phys.bitmap.total, 1)
		if !ok {
			break
		}
		atomic.StoreInt32(&phys.refcnt[pfn], 1)
		out[n] = pfn
		n++
	}
	return n
}

/// AllocBitmap allocates a contiguous run of n frames from the bitmap
/// backend, constrained to addresses below maxAddr and aligned to align
/// (a power of two number of bytes). Returns defs.ENOSPC on exhaustion.
func (phys *Physmem_t) AllocBitmap(n int, maxAddr Pa_t, align int) (Pfn_t, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	if align < PGSIZE {
		align = PGSIZE
	}
	if !util.IsPow2(align) {
		return 0, defs.EINVAL
	}
	maxPfn := int(maxAddr) / PGSIZE
	alignFrames := align / PGSIZE
	pfn, ok := phys.bitmapAllocRegion(n, maxPfn, alignFrames)
	if !ok {
		return 0, defs.ENOSPC
	}
	for i := 0; i < n; i++ {
		atomic.StoreInt32(&phys.refcnt[int(pfn)+i], 1)
	}
	return pfn, 0
}

// backendFor decides which backend owns pfn by address, per spec.md §4.A
// policy: "freeing memory below the bitmap threshold goes to the bitmap
// regardless of which backend originally issued it."
func (phys *Physmem_t) backendFor(pfn Pfn_t) bool /* isBitmap */ {
	return phys.inBitmapRange(pfn)
}

/// Free returns ownership of pfn to the allocator. The allocator decides
/// the backend by address, not by which backend issued the frame.
func (phys *Physmem_t) Free(pfn Pfn_t) {
	c := atomic.AddInt32(&phys.refcnt[pfn], -1)
	if c < 0 {
		panic("mem: double free of frame")
	}
	if c > 0 {
		return
	}
	if phys.backendFor(pfn) {
		phys.bitmapFreeRegion(pfn, 1)
		return
	}
	phys.stackFree(pfn)
}

/// FreeMany frees every frame in pfns, one Free call per frame.
func (phys *Physmem_t) FreeMany(pfns []Pfn_t) {
	for _, pfn := range pfns {
		phys.Free(pfn)
	}
}

/// FreeRegion frees a contiguous run of n frames starting at pfn.
func (phys *Physmem_t) FreeRegion(pfn Pfn_t, n int) {
	if phys.backendFor(pfn) {
		for i := 0; i < n; i++ {
			if atomic.AddInt32(&phys.refcnt[int(pfn)+i], -1) < 0 {
				panic("mem: double free of frame")
			}
		}
		phys.bitmapFreeRegion(pfn, n)
		return
	}
	for i := 0; i < n; i++ {
		phys.Free(pfn + Pfn_t(i))
	}
}

// --- refcounting, used by vm for shared/COW mappings --------------------

/// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(pfn Pfn_t) int {
	return int(atomic.LoadInt32(&phys.refcnt[pfn]))
}

/// Refup increments a frame's reference count.
func (phys *Physmem_t) Refup(pfn Pfn_t) {
	if atomic.AddInt32(&phys.refcnt[pfn], 1) <= 0 {
		panic("mem: refup from dead frame")
	}
}

/// Refdown decrements a frame's reference count, freeing it when it
/// reaches zero, and reports whether the frame was freed.
func (phys *Physmem_t) Refdown(pfn Pfn_t) bool {
	c := atomic.AddInt32(&phys.refcnt[pfn], -1)
	if c < 0 {
		panic("mem: double free of frame")
	}
	if c > 0 {
		return false
	}
	if phys.backendFor(pfn) {
		phys.bitmapFreeRegion(pfn, 1)
	} else {
		phys.stackFree(pfn)
	}
	return true
}

// --- accounting ----------------------------------------------------

/// Pgcount reports (total, free) frame counts across both backends.
func (phys *Physmem_t) Pgcount() (total, free int) {
	phys.stack.Lock()
	sfree := phys.stack.free
	phys.stack.Unlock()

	phys.bitmap.Lock()
	bfree := phys.bitmap.free
	phys.bitmap.Unlock()

	return phys.nframes, int(sfree + bfree)
}
