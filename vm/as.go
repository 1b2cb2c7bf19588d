// Package vm implements the address-space manager (spec.md §4.B): per-space
// page tables, mapping/unmapping, on-demand stack growth, and the
// check_access gate the syscall plane calls before touching user memory.
//
// Real x86 page tables are a four-level radix tree walked by the MMU. This
// hosted simulation keeps the same *shape* (a PTE is still a PFN plus flag
// bits, Dmap-shaped code above mem.Physmem still works) but stores the
// mapping in an ordinary Go map guarded by the space's lock, matching the
// teacher's Vm_t/as.go structuring (Lock_pmap/Unlock_pmap, Userdmap8_inner)
// without pretending to walk hardware tables that do not exist outside a
// real CPU.
package vm

import (
	"sync"

	"patchworkos/defs"
	"patchworkos/mem"
)

/// Pte flag bits, laid out like the real x86-64 PTE (spec.md §4.B).
const (
	PTE_P  uint64 = 1 << 0 /// present
	PTE_W  uint64 = 1 << 1 /// writable
	PTE_U  uint64 = 1 << 2 /// user-accessible
	PTE_G  uint64 = 1 << 8 /// global (shared across every space, never flushed)
	PTE_NX uint64 = 1 << 63 /// no-execute
	PTE_COW uint64 = 1 << 9 /// copy-on-write (software bit)
)

/// MapPolicy selects how Alloc picks a virtual range.
type MapPolicy int

const (
	PolicyAny        MapPolicy = iota /// pick any unused range at/after hint
	PolicyFailIfMapped                /// fail if [virt,virt+len) overlaps a mapping
	PolicyFixed                       /// use exactly [virt,virt+len)
)

/// DropCallback is invoked when the last mapping referencing a shared frame
/// is torn down (spec.md §4.B "cb ... used for shared-memory refcount
/// drop").
type DropCallback func(arg interface{})

// mapping_t is one page's worth of installed translation plus the drop
// callback that owns it, if any.
type mapping_t struct {
	pfn   mem.Pfn_t
	flags uint64
	cb    DropCallback
	cbArg interface{}
}

/// Space_t is one process's address space: a root "page table" (here, a
/// map keyed by virtual page number) plus the stack descriptors and
/// general-purpose regions carved out of it.
type Space_t struct {
	mu sync.Mutex

	table map[uintptr]*mapping_t /// keyed by virtual page number

	stacks  []*StackPointer_t
	regions []region_t

	pgfltaken bool /// set while Lock_pmap is held, mirrors the teacher's field
}

type region_t struct {
	base, len uintptr
	flags     uint64
}

// kernelTable holds the top-half mappings shared, unflushed, across every
// space (spec.md §4.B invariant: "kernel mappings ... are identical across
// spaces and carry the global bit").
var kernelTable = struct {
	sync.RWMutex
	m map[uintptr]*mapping_t
}{m: map[uintptr]*mapping_t{}}

/// ShootdownHook is called by Unmap after tearing down mappings, once per
/// space, to request a TLB shootdown IPI to whichever CPUs might have
/// cached the range (spec.md §4.B, §5). No package in this repository
/// installs it; while it is nil, Unmap requests no shootdown. vm itself
/// knows nothing about CPUs or IPIs.
var ShootdownHook func(s *Space_t, virt uintptr, length int)

/// NewSpace allocates an empty address space.
func NewSpace() *Space_t {
	return &Space_t{table: map[uintptr]*mapping_t{}}
}

/// Lock_pmap acquires the address-space lock and marks that page-table
/// manipulation (possibly a fault handler) is in progress.
func (s *Space_t) Lock_pmap() {
	s.mu.Lock()
	s.pgfltaken = true
}

/// Unlock_pmap releases the address-space lock.
func (s *Space_t) Unlock_pmap() {
	s.pgfltaken = false
	s.mu.Unlock()
}

/// Lockassert_pmap panics if the lock is not held; used defensively by
/// internal helpers the way the teacher's Vm_t does.
func (s *Space_t) Lockassert_pmap() {
	if !s.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

func vpn(virt uintptr) uintptr { return virt >> mem.PGSHIFT }

// --- mapping primitives (spec.md §4.B) ----------------------------------

/// Map installs len/PGSIZE PTEs starting at virt, backed by the contiguous
/// frames phys, phys+1, ... (page i maps frame phys+i). cb,
/// if non-nil, is invoked with cbArg when the last user of any installed
/// page drops it.
func (s *Space_t) Map(virt uintptr, phys mem.Pfn_t, length int, flags uint64, cb DropCallback, cbArg interface{}) defs.Err_t {
	if virt%mem.PGSIZE != 0 || length <= 0 {
		return defs.EINVAL
	}
	npages := (length + mem.PGSIZE - 1) / mem.PGSIZE
	global := flags&PTE_G != 0

	s.Lock_pmap()
	defer s.Unlock_pmap()
	for i := 0; i < npages; i++ {
		v := virt + uintptr(i)*mem.PGSIZE
		m := &mapping_t{pfn: phys + mem.Pfn_t(i), flags: flags | PTE_P, cb: cb, cbArg: cbArg}
		if global {
			kernelTable.Lock()
			kernelTable.m[vpn(v)] = m
			kernelTable.Unlock()
		} else {
			s.table[vpn(v)] = m
		}
	}
	return 0
}

/// MapPages installs distinct caller-supplied frames pfns[i] at
/// virt+i*PGSIZE (spec.md §4.B, "used by shared memory").
func (s *Space_t) MapPages(virt uintptr, pfns []mem.Pfn_t, flags uint64, cb DropCallback, cbArg interface{}) defs.Err_t {
	if virt%mem.PGSIZE != 0 {
		return defs.EINVAL
	}
	s.Lock_pmap()
	defer s.Unlock_pmap()
	for i, pfn := range pfns {
		v := virt + uintptr(i)*mem.PGSIZE
		s.table[vpn(v)] = &mapping_t{pfn: pfn, flags: flags | PTE_P, cb: cb, cbArg: cbArg}
	}
	return 0
}

/// Alloc backs [virt, virt+len) with fresh zeroed frames per policy.
func (s *Space_t) Alloc(hint uintptr, length int, flags uint64, policy MapPolicy) (uintptr, defs.Err_t) {
	if length <= 0 {
		return 0, defs.EINVAL
	}
	npages := (length + mem.PGSIZE - 1) / mem.PGSIZE

	s.Lock_pmap()
	defer s.Unlock_pmap()

	virt := hint
	switch policy {
	case PolicyFixed, PolicyFailIfMapped:
		for i := 0; i < npages; i++ {
			if _, ok := s.table[vpn(virt)+uintptr(i)]; ok {
				return 0, defs.EEXIST
			}
		}
	case PolicyAny:
		virt = s.findFreeLocked(hint, npages)
	}

	for i := 0; i < npages; i++ {
		pfn, ok := mem.Physmem.AllocZeroed()
		if !ok {
			return 0, defs.ENOMEM
		}
		v := virt + uintptr(i)*mem.PGSIZE
		s.table[vpn(v)] = &mapping_t{pfn: pfn, flags: flags | PTE_P}
	}
	s.regions = append(s.regions, region_t{base: virt, len: uintptr(npages) * mem.PGSIZE, flags: flags})
	return virt, 0
}

func (s *Space_t) findFreeLocked(hint uintptr, npages int) uintptr {
	virt := hint
	for {
		clear := true
		for i := 0; i < npages; i++ {
			if _, ok := s.table[vpn(virt)+uintptr(i)]; ok {
				clear = false
				break
			}
		}
		if clear {
			return virt
		}
		virt += uintptr(npages) * mem.PGSIZE
	}
}

/// Unmap tears down [virt, virt+len), invoking drop callbacks and the
/// process-wide TLB shootdown hook.
func (s *Space_t) Unmap(virt uintptr, length int) defs.Err_t {
	if virt%mem.PGSIZE != 0 || length <= 0 {
		return defs.EINVAL
	}
	npages := (length + mem.PGSIZE - 1) / mem.PGSIZE

	s.Lock_pmap()
	for i := 0; i < npages; i++ {
		v := virt + uintptr(i)*mem.PGSIZE
		key := vpn(v)
		m, ok := s.table[key]
		if !ok {
			continue
		}
		delete(s.table, key)
		if m.cb != nil {
			m.cb(m.cbArg)
		}
		mem.Physmem.Refdown(m.pfn)
	}
	s.Unlock_pmap()

	if ShootdownHook != nil {
		ShootdownHook(s, virt, length)
	}
	return 0
}

/// VirtToPhys resolves virt to the frame currently backing it.
func (s *Space_t) VirtToPhys(virt uintptr) (mem.Pfn_t, defs.Err_t) {
	s.Lock_pmap()
	defer s.Unlock_pmap()
	return s.lookupLocked(virt)
}

func (s *Space_t) lookupLocked(virt uintptr) (mem.Pfn_t, defs.Err_t) {
	key := vpn(virt)
	if m, ok := s.table[key]; ok {
		return m.pfn, 0
	}
	kernelTable.RLock()
	m, ok := kernelTable.m[key]
	kernelTable.RUnlock()
	if ok {
		return m.pfn, 0
	}
	return 0, defs.EFAULT
}

/// CheckAccess verifies that [ptr, ptr+length) lies entirely within user
/// mappings of s. The syscall plane must call this before any user-pointer
/// read (spec.md §4.B, §4.N).
func (s *Space_t) CheckAccess(ptr uintptr, length int) defs.Err_t {
	if length < 0 {
		return defs.EINVAL
	}
	s.Lock_pmap()
	defer s.Unlock_pmap()

	first := vpn(ptr)
	last := vpn(ptr + uintptr(length) - 1)
	for key := first; key <= last; key++ {
		m, ok := s.table[key]
		if !ok || m.flags&PTE_U == 0 {
			return defs.EFAULT
		}
	}
	return 0
}
