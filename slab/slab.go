// Package slab implements the typed object cache of spec.md §4.C: slabs
// carved from package mem frames, bufctl free-index lists, and per-CPU
// magazines that serve hot-path allocations lockless.
package slab

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"patchworkos/defs"
	"patchworkos/mem"
)

/// CacheLimit is the high-watermark of fully-free slabs a cache retains
/// before returning pages to the PMM (spec.md §4.C).
const CacheLimit = 4

type slab_t struct {
	pfn      mem.Pfn_t
	pages    int
	objSize  int
	capacity int
	free     []int32 // bufctl free-index list
	next     *slab_t
}

func (s *slab_t) objAt(i int32) []byte {
	return mem.Physmem.Bytes(s.pfn, s.pages*mem.PGSIZE)[int(i)*s.objSize : (int(i)+1)*s.objSize]
}

// slabMaxAddr bounds the bitmap-backend allocation used for multi-page
// slabs; slab memory has no hardware contiguity requirement of its own, so
// this simply picks an address high enough that the bitmap backend (sized
// by limits.PMMBitmapMaxAddr) can still serve it.
const slabMaxAddr = mem.Pa_t(1) << 48

func newSlab(objSize, pages int) (*slab_t, defs.Err_t) {
	var pfn mem.Pfn_t
	if pages == 1 {
		p, ok := mem.Physmem.Alloc()
		if !ok {
			return nil, defs.ENOMEM
		}
		pfn = p
	} else {
		// A slab's objects must be addressable as one contiguous byte
		// range, so multi-page slabs need contiguous PFNs; the
		// free-stack backend does not promise that across repeated
		// single-frame Allocs, so route these through the bitmap
		// backend's contiguous-region allocator instead.
		p, err := mem.Physmem.AllocBitmap(pages, slabMaxAddr, mem.PGSIZE)
		if err != 0 {
			return nil, err
		}
		pfn = p
	}
	n := (pages * mem.PGSIZE) / objSize
	s := &slab_t{pfn: pfn, pages: pages, objSize: objSize, capacity: n}
	s.free = make([]int32, n)
	for i := range s.free {
		s.free[i] = int32(i)
	}
	return s, 0
}

/// Constructor initialises a freshly materialised object's bytes.
type Constructor func(obj []byte)

/// Destructor runs when an object leaves a free slab being released to
/// the PMM.
type Destructor func(obj []byte)

/// Cache_t is a per-type object cache atop package mem (spec.md §4.C):
/// three slab lists (free, partial, full) plus one active slab per CPU
/// acting as a lockless magazine for the hot allocation path.
type Cache_t struct {
	mu                  sync.Mutex
	objSize             int
	pagesPerSlab        int
	free, partial, full *slab_t
	freeCount           int
	ctor                Constructor
	dtor                Destructor

	// owner maps every frame a live slab occupies back to that slab, so
	// Free can recover a slab (and its index) from a bare object address
	// the way a real cache derives its header from the object's pointer.
	owner map[mem.Pfn_t]*slab_t

	magazines []magazine_t
	// admission bounds how many CPUs may be mid-refill simultaneously,
	// avoiding a thundering herd on the cache lock when many CPUs miss
	// their magazine at once.
	admission *semaphore.Weighted
}

type magazine_t struct {
	mu   sync.Mutex
	slab *slab_t
}

/// NewCache creates a cache of objSize-byte objects, each slab occupying
/// pagesPerSlab pages (a small power of two, per spec.md §4.C).
func NewCache(objSize, pagesPerSlab, ncpu int, ctor Constructor, dtor Destructor) *Cache_t {
	return &Cache_t{
		objSize:      objSize,
		pagesPerSlab: pagesPerSlab,
		ctor:         ctor,
		dtor:         dtor,
		owner:        make(map[mem.Pfn_t]*slab_t),
		magazines:    make([]magazine_t, ncpu),
		admission:    semaphore.NewWeighted(int64(ncpu)),
	}
}

/// Alloc returns the backing bytes of one objSize-byte object, preferring the
/// calling CPU's magazine before falling back to the cache's partial/free
/// slab lists, allocating a fresh slab from package mem as a last resort.
func (c *Cache_t) Alloc(cpu int) ([]byte, defs.Err_t) {
	mag := &c.magazines[cpu%len(c.magazines)]
	mag.mu.Lock()
	if mag.slab != nil && len(mag.slab.free) > 0 {
		obj := c.take(mag.slab)
		mag.mu.Unlock()
		return obj, 0
	}
	mag.mu.Unlock()

	_ = c.admission.Acquire(nil, 1)
	defer c.admission.Release(1)

	c.mu.Lock()
	s := c.partial
	if s == nil {
		s = c.free
		if s != nil {
			c.free = s.next
			c.freeCount--
		}
	}
	if s == nil {
		var err defs.Err_t
		s, err = newSlab(c.objSize, c.pagesPerSlab)
		if err != 0 {
			c.mu.Unlock()
			return nil, err
		}
		for p := 0; p < s.pages; p++ {
			c.owner[s.pfn+mem.Pfn_t(p)] = s
		}
		if c.ctor != nil {
			for i := 0; i < s.capacity; i++ {
				c.ctor(s.objAt(int32(i)))
			}
		}
	} else if s == c.partial {
		c.partial = s.next
	}
	c.mu.Unlock()

	obj := c.take(s)

	mag.mu.Lock()
	if mag.slab != nil {
		c.stash(mag.slab)
	}
	mag.slab = s
	mag.mu.Unlock()
	return obj, 0
}

func (c *Cache_t) take(s *slab_t) []byte {
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return s.objAt(idx)
}

// stash files a slab evicted from a magazine back onto the appropriate
// cache-wide list.
func (c *Cache_t) stash(s *slab_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(s.free) == 0 {
		s.next = c.full
		c.full = s
	} else {
		s.next = c.partial
		c.partial = s
	}
}

// locate recovers the slab and bufctl index owning obj, the way a real
// cache derives its slab header from the object's address rather than
// carrying it alongside the pointer.
func (c *Cache_t) locate(obj []byte) (*slab_t, int32) {
	pagePfn, pageOff := mem.Physmem.PfnOf(obj)
	c.mu.Lock()
	s := c.owner[pagePfn]
	c.mu.Unlock()
	if s == nil {
		panic("slab: free of object not owned by this cache")
	}
	globalOff := (int(pagePfn)-int(s.pfn))*mem.PGSIZE + pageOff
	return s, int32(globalOff / s.objSize)
}

/// Free returns obj to its slab, deriving the owning slab and bufctl
/// index from obj's address. cpu is an optimisation hint only: a hit
/// against that CPU's magazine avoids the cache-wide lock, but any cpu
/// value still frees obj correctly.
func (c *Cache_t) Free(cpu int, obj []byte) {
	s, objIndex := c.locate(obj)

	nmag := len(c.magazines)
	for i := 0; i < nmag; i++ {
		mag := &c.magazines[(cpu+i)%nmag]
		mag.mu.Lock()
		if mag.slab == s {
			mag.slab.free = append(mag.slab.free, objIndex)
			mag.mu.Unlock()
			return
		}
		mag.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for cur := c.partial; cur != nil; cur = cur.next {
		if cur == s {
			cur.free = append(cur.free, objIndex)
			if len(cur.free) == cur.capacity {
				c.unlinkPartial(cur)
				c.releaseOrKeep(cur)
			}
			return
		}
	}
	for cur := c.full; cur != nil; cur = cur.next {
		if cur == s {
			cur.free = append(cur.free, objIndex)
			c.unlinkFull(cur)
			if len(cur.free) == cur.capacity {
				c.releaseOrKeep(cur)
			} else {
				cur.next = c.partial
				c.partial = cur
			}
			return
		}
	}
}

func (c *Cache_t) unlinkPartial(target *slab_t) {
	if c.partial == target {
		c.partial = target.next
		return
	}
	for s := c.partial; s != nil; s = s.next {
		if s.next == target {
			s.next = target.next
			return
		}
	}
}

func (c *Cache_t) unlinkFull(target *slab_t) {
	if c.full == target {
		c.full = target.next
		return
	}
	for s := c.full; s != nil; s = s.next {
		if s.next == target {
			s.next = target.next
			return
		}
	}
}

// releaseOrKeep files a fully-free slab onto the free list, releasing it
// to the PMM once CacheLimit fully-free slabs are already retained
// (spec.md §4.C high-watermark).
func (c *Cache_t) releaseOrKeep(s *slab_t) {
	if c.freeCount >= CacheLimit {
		if c.dtor != nil {
			for i := 0; i < s.capacity; i++ {
				c.dtor(s.objAt(int32(i)))
			}
		}
		for p := 0; p < s.pages; p++ {
			delete(c.owner, s.pfn+mem.Pfn_t(p))
		}
		if s.pages == 1 {
			mem.Physmem.Free(s.pfn)
		} else {
			mem.Physmem.FreeRegion(s.pfn, s.pages)
		}
		return
	}
	s.next = c.free
	c.free = s
	c.freeCount++
}

/// Stats reports the number of slabs in each list, for /proc-style
/// introspection.
func (c *Cache_t) Stats() (free, partial, full int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := c.free; s != nil; s = s.next {
		free++
	}
	for s := c.partial; s != nil; s = s.next {
		partial++
	}
	for s := c.full; s != nil; s = s.next {
		full++
	}
	return
}
