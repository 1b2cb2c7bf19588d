package vm

import (
	"patchworkos/defs"
	"patchworkos/mem"
)

/// StackPointer_t describes a page-aligned stack region (spec.md §3).
/// Bottom is inclusive, Top is exclusive. Two flavours exist: dynamically
/// growing (Guard* non-zero, unmapped until touched) and buffer-backed
/// (pre-mapped, GuardTop==GuardBottom==0).
type StackPointer_t struct {
	Top, Bottom           uintptr
	GuardTop, GuardBottom uintptr
	lastFault             uintptr
	hasLastFault          bool
	kernel                bool /// writable-kernel vs writable-user on grow
}

/// NewGrowingStack describes a dynamically growing stack of at most
/// maxPages pages below top, with a one-page guard immediately below the
/// region it may grow into.
func NewGrowingStack(top uintptr, maxPages int, kernel bool) *StackPointer_t {
	span := uintptr(maxPages) * mem.PGSIZE
	bottom := top - span
	return &StackPointer_t{
		Top: top, Bottom: bottom,
		GuardBottom: bottom - mem.PGSIZE, GuardTop: bottom - 1,
		kernel: kernel,
	}
}

/// NewBufferStack describes a pre-mapped, non-growing stack; callers map
/// its pages explicitly via Space_t.Alloc before use.
func NewBufferStack(top, bottom uintptr) *StackPointer_t {
	return &StackPointer_t{Top: top, Bottom: bottom}
}

/// RegisterStack tracks sp so HandleFault can recognise faults inside it.
func (s *Space_t) RegisterStack(sp *StackPointer_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks = append(s.stacks, sp)
}

/// FaultOutcome names the disposition of a page fault (spec.md §4.B).
type FaultOutcome int

const (
	FaultHandled     FaultOutcome = iota /// a fresh zeroed page was mapped
	FaultFatalGuard                      /// fault landed in a guard range
	FaultUserSegv                        /// user address has no mapping: deliver SIGSEGV-equivalent
	FaultKernelPanic                     /// kernel address has no mapping and isn't a stack: fatal
)

/// HandleFault implements the page-fault policy of spec.md §4.B. write
/// indicates the fault was a write access; userMode indicates the fault
/// happened in ring 3.
func (s *Space_t) HandleFault(virt uintptr, write, userMode bool) (FaultOutcome, defs.Err_t) {
	page := virt &^ (mem.PGSIZE - 1)

	s.Lock_pmap()
	defer s.Unlock_pmap()

	for _, sp := range s.stacks {
		if page >= sp.GuardBottom && page <= sp.GuardTop {
			return FaultFatalGuard, defs.EFAULT
		}
		if page >= sp.Bottom && page < sp.Top {
			if sp.hasLastFault && sp.lastFault == page {
				// Loop detection: repeated fault at the same address
				// without forward progress is fatal (spec.md §3).
				return FaultFatalGuard, defs.EFAULT
			}
			sp.lastFault = page
			sp.hasLastFault = true

			pfn, ok := mem.Physmem.AllocZeroed()
			if !ok {
				return FaultFatalGuard, defs.ENOMEM
			}
			flags := PTE_P | PTE_W
			if sp.kernel && !userMode {
				// writable-kernel: no PTE_U
			} else {
				flags |= PTE_U
			}
			s.table[vpn(page)] = &mapping_t{pfn: pfn, flags: flags}
			return FaultHandled, 0
		}
	}

	if _, err := s.lookupLocked(virt); err == 0 {
		// Mapped range other than a stack faulted (e.g. a COW page);
		// callers above decide what to do. Report as handled-elsewhere.
		return FaultHandled, 0
	}

	if userMode {
		return FaultUserSegv, defs.EFAULT
	}
	return FaultKernelPanic, defs.EFAULT
}
