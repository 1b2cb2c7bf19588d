package wait

import (
	"time"

	"patchworkos/defs"
)

const mutexMaxSlowSpin = 1000 // CONFIG_MUTEX_MAX_SLOW_SPIN, mutex.c

/// Mutex_t is a recursive blocking mutex (spec.md §4.K), grounded on
/// mutex.c: a short busy-spin before parking on a wait queue, and an
/// owner/depth pair that lets the same thread re-acquire without
/// deadlocking itself.
type Mutex_t struct {
	mu    rawSpin
	queue Queue_t
	owner interface{} // thread identity; comparable, opaque to this package
	depth int
}

// rawSpin is the tiny busy-wait the original performs before giving up
// and parking; it is deliberately not package lock's Spinlock_t, which
// is IRQ-safe infrastructure for code that must not block at all, whereas
// Mutex_t's whole point is to let its holder block.
type rawSpin struct{ ch chan struct{} }

func (s *rawSpin) lock() {
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	s.ch <- struct{}{}
}
func (s *rawSpin) unlock() { <-s.ch }

/// NewMutex returns a ready-to-use Mutex_t.
func NewMutex() *Mutex_t {
	return &Mutex_t{mu: rawSpin{ch: make(chan struct{}, 1)}}
}

// noTimeout is the CLOCKS_NEVER-equivalent sentinel for AcquireTimeout:
// block until acquired rather than failing after the slow spin. Distinct
// from 0, which means "do not block at all" (a trylock after the spin).
const noTimeout time.Duration = -1

/// Acquire blocks until self holds mtx, recursing if self already does.
func (mtx *Mutex_t) Acquire(self interface{}) {
	_, err := mtx.AcquireTimeout(self, noTimeout)
	if err != 0 {
		panic("wait: mutex acquire with no timeout must succeed")
	}
}

/// AcquireTimeout is mutex_acquire_timeout: timeout==0 fails immediately
/// with EAGAIN once the slow spin is exhausted (a bounded trylock);
/// timeout<0 blocks forever; timeout>0 blocks up to that long.
func (mtx *Mutex_t) AcquireTimeout(self interface{}, timeout time.Duration) (bool, defs.Err_t) {
	mtx.mu.lock()
	if mtx.owner == self {
		mtx.depth++
		mtx.mu.unlock()
		return true, 0
	}
	mtx.mu.unlock()

	for spin := 0; spin < mutexMaxSlowSpin; spin++ {
		mtx.mu.lock()
		if mtx.owner == nil {
			mtx.owner = self
			mtx.depth = 1
			mtx.mu.unlock()
			return true, 0
		}
		mtx.mu.unlock()
	}

	if timeout == 0 {
		return false, defs.EAGAIN
	}
	if timeout < 0 {
		timeout = 0
	}

	mtx.mu.lock()
	_, err := BlockLock(&mtx.queue, &mtx.mu, func() bool { return mtx.owner == nil }, timeout)
	if err != 0 {
		mtx.mu.unlock()
		return false, err
	}
	mtx.owner = self
	mtx.depth = 1
	mtx.mu.unlock()
	return true, 0
}

/// Release releases one level of recursion, waking one waiter once the
/// depth reaches zero.
func (mtx *Mutex_t) Release(self interface{}) {
	mtx.mu.lock()
	defer mtx.mu.unlock()
	if mtx.owner != self {
		panic("wait: mutex released by non-owner")
	}
	mtx.depth--
	if mtx.depth == 0 {
		mtx.owner = nil
		Unblock(&mtx.queue, 1, 0)
	}
}

func (s *rawSpin) Lock()   { s.lock() }
func (s *rawSpin) Unlock() { s.unlock() }
