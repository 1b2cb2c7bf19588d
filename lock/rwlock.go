package lock

import (
	"runtime"
	"sync/atomic"
)

/// RWLock_t is a writer-preferring RW ticket lock (spec.md §4.J): writer
/// ticket counters {writeTicket, writeServe} plus an active-reader count
/// and an active-writer flag. A reader only proceeds when no writer ticket
/// is pending; a writer waits for every active reader to drain.
type RWLock_t struct {
	writeTicket, writeServe uint32
	activeReaders           int32
	activeWriter            int32
}

/// RLock acquires the lock for reading. If a writer ticket is already
/// pending, new readers block behind it (spec.md §8 "writer preference").
func (l *RWLock_t) RLock() {
	disableIrqs()
	for {
		if atomic.LoadUint32(&l.writeTicket) != atomic.LoadUint32(&l.writeServe) {
			runtime.Gosched()
			continue
		}
		atomic.AddInt32(&l.activeReaders, 1)
		if atomic.LoadUint32(&l.writeTicket) != atomic.LoadUint32(&l.writeServe) {
			// A writer snuck in between our check and our registration;
			// back off so it does not starve.
			atomic.AddInt32(&l.activeReaders, -1)
			continue
		}
		return
	}
}

/// RUnlock releases a read acquisition.
func (l *RWLock_t) RUnlock() {
	atomic.AddInt32(&l.activeReaders, -1)
	enableIrqs()
}

/// Lock acquires the lock for writing, draining active readers first.
func (l *RWLock_t) Lock() {
	disableIrqs()
	my := atomic.AddUint32(&l.writeTicket, 1) - 1
	for atomic.LoadUint32(&l.writeServe) != my {
		runtime.Gosched()
	}
	for atomic.LoadInt32(&l.activeReaders) != 0 {
		runtime.Gosched()
	}
	atomic.StoreInt32(&l.activeWriter, 1)
}

/// Unlock releases a write acquisition.
func (l *RWLock_t) Unlock() {
	atomic.StoreInt32(&l.activeWriter, 0)
	atomic.AddUint32(&l.writeServe, 1)
	enableIrqs()
}
