// Package wait implements the blocking primitives of spec.md §4.K: a wait
// queue callers can block threads on, a recursive blocking mutex built on
// top of it, and a writer-preferring RW mutex. Unlike package lock's
// spinlocks, these park the calling goroutine instead of spinning — the
// hosted-simulation analogue of a thread giving up the CPU (spec.md §0,
// "each simulated CPU is a locked OS thread" — but a *thread* in this
// kernel is an ordinary goroutine scheduled onto one, so blocking a
// thread means blocking a goroutine, not a CPU).
package wait

import (
	"sync"
	"time"

	"patchworkos/defs"
)

/// Result_t reports why a blocked waiter resumed (spec.md §4.K).
type Result_t int

const (
	ResultNormal      Result_t = iota /// woken by Unblock
	ResultTimeout                     /// deadline elapsed
	ResultNotePending                 /// woken to handle a pending note (spec.md §4.O)
	ResultError                       /// queue torn down under the waiter
)

// waiter_t is one parked goroutine's ticket; ch is buffered so Unblock
// never blocks on a waiter that is also timing out concurrently.
type waiter_t struct {
	ch    chan waitOutcome
	taken bool
}

type waitOutcome struct {
	result Result_t
	err    defs.Err_t
}

/// Queue_t is a FIFO of blocked waiters (spec.md §3 "wait queue").
/// Zero value is ready to use.
type Queue_t struct {
	mu      sync.Mutex
	waiters []*waiter_t
}

func (q *Queue_t) push() *waiter_t {
	w := &waiter_t{ch: make(chan waitOutcome, 1)}
	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()
	return w
}

func (q *Queue_t) remove(w *waiter_t) {
	q.mu.Lock()
	for i, cur := range q.waiters {
		if cur == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

/// Block parks the calling goroutine on q until Unblock wakes it or
/// timeout elapses (CLOCKS_NEVER-equivalent: timeout <= 0 means wait
/// forever, matching the original's CLOCKS_NEVER sentinel).
func Block(q *Queue_t, timeout time.Duration) (Result_t, defs.Err_t) {
	w := q.push()

	if timeout <= 0 {
		o := <-w.ch
		return o.result, o.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-w.ch:
		return o.result, o.err
	case <-timer.C:
		q.remove(w)
		// A wake may have raced the timer; drain a possible delivery so
		// the waiter slot is never left dangling.
		select {
		case o := <-w.ch:
			return o.result, o.err
		default:
		}
		return ResultTimeout, defs.ETIMEDOUT
	}
}

/// BlockLock is the WAIT_BLOCK_LOCK equivalent: l must be held on entry.
/// If cond() is already true the caller keeps l and returns immediately.
/// Otherwise l is released while parked and re-acquired on wake, and cond
/// is tested again under l: the caller parks again until cond holds, a
/// wake carries an error, or the timeout elapses. This mirrors the
/// original's lock-drop-then-reacquire discipline around a condition
/// check (mutex.c, rcu.c).
func BlockLock(q *Queue_t, l sync.Locker, cond func() bool, timeout time.Duration) (Result_t, defs.Err_t) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for !cond() {
		w := q.push()
		l.Unlock()

		var o waitOutcome
		if timeout <= 0 {
			o = <-w.ch
		} else {
			timer := time.NewTimer(time.Until(deadline))
			select {
			case o = <-w.ch:
			case <-timer.C:
				q.remove(w)
				select {
				case o = <-w.ch:
				default:
					o = waitOutcome{result: ResultTimeout, err: defs.ETIMEDOUT}
				}
			}
			timer.Stop()
		}

		l.Lock()
		if o.err != 0 || o.result != ResultNormal {
			return o.result, o.err
		}
	}
	return ResultNormal, 0
}

/// Unblock wakes up to n waiters (FIFO order) with result/err, matching
/// wait_unblock(&queue, n, status) in the original. Returns the number of
/// waiters actually woken.
func Unblock(q *Queue_t, n int, err defs.Err_t) int {
	q.mu.Lock()
	woken := 0
	for woken < n && len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		if w.taken {
			continue
		}
		w.taken = true
		w.ch <- waitOutcome{result: ResultNormal, err: err}
		woken++
	}
	q.mu.Unlock()
	return woken
}

/// UnblockAll wakes every waiter currently parked on q.
func UnblockAll(q *Queue_t, err defs.Err_t) int {
	q.mu.Lock()
	n := len(q.waiters)
	q.mu.Unlock()
	if n == 0 {
		return 0
	}
	return Unblock(q, n, err)
}

/// Len reports how many goroutines are currently parked on q.
func Len(q *Queue_t) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
