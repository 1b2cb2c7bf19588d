package lock

import "sync/atomic"

/// Seqlock_t is a single 64-bit sequence counter protecting small,
/// read-mostly state (spec.md §4.J). Writers increment the counter before
/// and after their critical section, under an inner spinlock so writers
/// still serialise against each other; readers snapshot the counter,
/// perform unsynchronised reads, then retry if it changed or was odd
/// while they read.
type Seqlock_t struct {
	seq   uint64
	inner Spinlock_t
}

/// WriteBegin marks the start of a write critical section: the sequence
/// becomes odd, signalling concurrent readers to retry.
func (s *Seqlock_t) WriteBegin() {
	s.inner.Lock()
	atomic.AddUint64(&s.seq, 1)
}

/// WriteEnd marks the end of a write critical section, making the
/// sequence even again.
func (s *Seqlock_t) WriteEnd() {
	atomic.AddUint64(&s.seq, 1)
	s.inner.Unlock()
}

/// ReadBegin returns a snapshot of the sequence counter for the caller to
/// pass to ReadRetry after performing its unsynchronised reads.
func (s *Seqlock_t) ReadBegin() uint64 {
	for {
		v := atomic.LoadUint64(&s.seq)
		if v&1 == 0 {
			return v
		}
		// A writer is mid-update; spin until it finishes rather than
		// handing back an odd snapshot that Read would have to retry
		// on regardless.
	}
}

/// ReadRetry reports whether the reader must redo its reads: true if the
/// sequence changed (or, defensively, is odd) since snapshot.
func (s *Seqlock_t) ReadRetry(snapshot uint64) bool {
	return atomic.LoadUint64(&s.seq) != snapshot
}

/// Read runs fn under the seqlock's retry protocol, retrying until fn's
/// reads observe a consistent snapshot (spec.md §8 "Seqlock consistency").
func (s *Seqlock_t) Read(fn func()) {
	for {
		v := s.ReadBegin()
		fn()
		if !s.ReadRetry(v) {
			return
		}
	}
}
