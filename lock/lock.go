// Package lock implements the IRQ-safe synchronisation primitives of
// spec.md §4.J: the ticket spinlock, the writer-preferring RW ticket lock,
// and the seqlock. All three bracket their critical section with the
// current CPU's interrupt-disable nesting counter (package percpu),
// exactly as spec.md §4.D/§5 requires: "Locks are built on this
// discipline" and "preemption is disabled whenever any spinlock is held."
package lock

import (
	"runtime"
	"sync/atomic"

	"patchworkos/percpu"
)

// disableIrqs disables interrupts on the calling goroutine's bound CPU, if
// any. Every lock/unlock pair below is called by the same goroutine, so no
// per-lock bookkeeping of the restore state is needed: enableIrqs simply
// re-reads percpu.Current() at the matching unlock site.
func disableIrqs() {
	if c := percpu.Current(); c != nil {
		c.Disable(true)
	}
}

func enableIrqs() {
	if c := percpu.Current(); c != nil {
		c.Enable()
	}
}

/// Spinlock_t is a ticket spinlock: two monotonically increasing
/// counters, next and serve. Lock fetch-adds next and spins until serve
/// equals the caller's ticket; Unlock increments serve. Non-recursive
/// (spec.md §4.J).
type Spinlock_t struct {
	next  uint32
	serve uint32
}

/// Lock acquires the spinlock, serving strictly in request order (spec.md
/// §8 "lock fairness").
func (s *Spinlock_t) Lock() {
	disableIrqs()
	my := atomic.AddUint32(&s.next, 1) - 1
	for atomic.LoadUint32(&s.serve) != my {
		runtime.Gosched()
	}
}

/// Unlock releases the spinlock.
func (s *Spinlock_t) Unlock() {
	atomic.AddUint32(&s.serve, 1)
	enableIrqs()
}

/// TryLock attempts to acquire the lock without spinning. Returns false if
/// another ticket is already being served ahead of a new one.
func (s *Spinlock_t) TryLock() bool {
	for {
		next := atomic.LoadUint32(&s.next)
		serve := atomic.LoadUint32(&s.serve)
		if next != serve {
			return false
		}
		disableIrqs()
		if atomic.CompareAndSwapUint32(&s.next, next, next+1) {
			return true
		}
		enableIrqs()
	}
}
