// Package sched implements the scheduler of spec.md §4.H: a per-CPU
// min-heap runqueue keyed on vruntime, weight-proportional time slices,
// and a periodic load balancer that steals the coldest thread from an
// overloaded peer. No original_source file implements this directly (the
// retrieval pack's C sources stop at clock/timer/wait); the algorithm
// below follows spec.md §4.H verbatim, in the idiom the rest of this
// repo already established (percpu.Current()-based dispatch, defs.Err_t
// currency, sync.Mutex-guarded per-CPU state indexed by defs.Cpunum_t).
package sched

import (
	"container/heap"
	"sync"

	"patchworkos/clock"
	"patchworkos/defs"
	"patchworkos/percpu"
)

/// WeightBase is CONFIG_WEIGHT_BASE: every thread's weight starts here
/// and is adjusted by its priority.
const WeightBase = 1

/// TimeSlice is the nanosecond budget a weight-WeightBase thread receives
/// per dispatch (spec.md §4.H "weight * TIME_SLICE / WEIGHT_BASE").
const TimeSlice = 10_000_000 // 10ms, CONFIG_TIME_SLICE

/// LoadBalanceBias is CONFIG_LOAD_BALANCE_BIAS: the minimum runnable-count
/// gap between two CPUs before a steal is triggered.
const LoadBalanceBias = 2

/// State_t is a thread's scheduling state.
type State_t int

const (
	Runnable State_t = iota
	Running
	Blocked
	Dying
	Zombie
)

/// Thread is the minimal view sched needs of a schedulable unit; package
/// proc embeds this to get a full thread record without sched importing
/// proc (avoids the cycle noted throughout this repo).
type Thread struct {
	ID       defs.Tid_t
	Priority int

	mu            sync.Mutex
	state         State_t
	vruntime      uint64
	weight        uint64
	needResched   bool
	heapIndex     int
	cpu           defs.Cpunum_t

	// SwitchIn/SwitchOut let proc hook context-switch bookkeeping (saving
	// GPRs/FPU, swapping address spaces) without sched knowing about
	// process/stack internals.
	SwitchIn  func()
	SwitchOut func()
}

func newThread(id defs.Tid_t, priority int) *Thread {
	return &Thread{ID: id, Priority: priority, weight: uint64(WeightBase + priority), state: Runnable}
}

// runqueue_t is one CPU's min-heap, keyed by vruntime (spec.md §4.H).
type runqueue_t struct {
	mu    sync.Mutex
	items []*Thread
}

func (q *runqueue_t) Len() int { return len(q.items) }
func (q *runqueue_t) Less(i, j int) bool { return q.items[i].vruntime < q.items[j].vruntime }
func (q *runqueue_t) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}
func (q *runqueue_t) Push(x interface{}) {
	t := x.(*Thread)
	t.heapIndex = len(q.items)
	q.items = append(q.items, t)
}
func (q *runqueue_t) Pop() interface{} {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return t
}

var (
	once  sync.Once
	queues []*runqueue_t
	idle  []*Thread
)

/// Init allocates n per-CPU runqueues plus an idle thread per CPU
/// (spec.md §4.H "kernel idle thread has weight 1"). Must run once,
/// after percpu.Boot.
func Init(n int) {
	once.Do(func() {
		queues = make([]*runqueue_t, n)
		idle = make([]*Thread, n)
		for i := range queues {
			queues[i] = &runqueue_t{}
			idle[i] = &Thread{ID: -1, weight: 1, state: Runnable}
		}
	})
}

/// NewThread constructs a runnable thread, queuing it on the least-loaded
/// CPU among candidates (spec.md §4.I "CPU choice: least-loaded among
/// candidates").
func NewThread(id defs.Tid_t, priority int, candidates []defs.Cpunum_t) *Thread {
	t := newThread(id, priority)
	target := leastLoaded(candidates)
	Enqueue(target, t)
	return t
}

func leastLoaded(candidates []defs.Cpunum_t) defs.Cpunum_t {
	if len(candidates) == 0 {
		for i := range queues {
			candidates = append(candidates, defs.Cpunum_t(i))
		}
	}
	best := candidates[0]
	bestLoad := load(best)
	for _, c := range candidates[1:] {
		if l := load(c); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

func load(cpu defs.Cpunum_t) int {
	q := queues[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

/// Enqueue pushes t onto cpu's runqueue, setting its owning CPU.
func Enqueue(cpu defs.Cpunum_t, t *Thread) {
	t.mu.Lock()
	t.cpu = cpu
	t.state = Runnable
	t.mu.Unlock()

	q := queues[cpu]
	q.mu.Lock()
	heap.Push(q, t)
	q.mu.Unlock()
}

/// Pick pops the lowest-vruntime runnable thread on cpu, or that CPU's
/// idle thread if the runqueue is empty.
func Pick(cpu defs.Cpunum_t) *Thread {
	q := queues[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Len() == 0 {
		return idle[cpu]
	}
	return heap.Pop(q).(*Thread)
}

/// Dispatch runs one scheduling decision on cpu: pick the next thread,
// context-switch into it, arm its time-slice deadline, then register the
// slice-expiry timer callback that marks need_resched. Wired as
// percpu.SchedHook at boot.
func Dispatch(c *percpu.Cpu_t) {
	cpu := c.ID
	current := Current(cpu)
	if current != nil {
		current.mu.Lock()
		expired := current.needResched
		current.needResched = false
		st := current.state
		current.mu.Unlock()
		if !expired && st == Running {
			return
		}
		if current.SwitchOut != nil {
			current.SwitchOut()
		}
		if st == Running {
			current.mu.Lock()
			current.vruntime += TimeSlice * WeightBase / current.weight
			current.mu.Unlock()
			Enqueue(cpu, current)
		}
	}

	next := Pick(cpu)
	next.mu.Lock()
	next.state = Running
	slice := next.weight * TimeSlice / WeightBase
	next.mu.Unlock()

	setCurrent(cpu, next)
	if next.SwitchIn != nil {
		next.SwitchIn()
	}

	clock.OneShot(int(cpu), clock.Uptime(), slice)
	registerSliceExpiry(cpu, next)
}

func registerSliceExpiry(cpu defs.Cpunum_t, t *Thread) {
	clock.RegisterCallback(int(cpu), func() {
		t.mu.Lock()
		if t.state == Running {
			t.needResched = true
		}
		t.mu.Unlock()
	})
}

var (
	currentMu sync.Mutex
	current   []*Thread
)

func setCurrent(cpu defs.Cpunum_t, t *Thread) {
	currentMu.Lock()
	if current == nil {
		current = make([]*Thread, len(queues))
	}
	current[cpu] = t
	currentMu.Unlock()
}

/// Current returns the thread running on cpu, or nil before the first
/// Dispatch.
func Current(cpu defs.Cpunum_t) *Thread {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil || int(cpu) >= len(current) {
		return nil
	}
	return current[cpu]
}

/// Yield marks t for rescheduling at the next preemption point (spec.md
/// §4.H "preemption points: ... explicit yield").
func Yield(t *Thread) {
	t.mu.Lock()
	t.needResched = true
	t.mu.Unlock()
}

/// IsIdle reports whether cpu currently has no runnable, non-idle
/// threads queued; wired as rcu.IdleHook at boot so RCU grace periods
/// can skip waking genuinely idle CPUs.
func IsIdle(cpu defs.Cpunum_t) bool {
	return load(cpu) == 0
}

// --- load balancing (spec.md §4.H) ---------------------------------------

/// Balance runs one load-balancing pass from self's perspective against
/// peer: if the runnable-count gap exceeds LoadBalanceBias, steals the
/// coldest (highest-vruntime) thread from the overloaded side. Acquires
/// both runqueue locks in id order to avoid deadlock against a concurrent
/// balance the other direction.
func Balance(self, peer defs.Cpunum_t) {
	if self == peer {
		return
	}
	a, b := self, peer
	if a > b {
		a, b = b, a
	}
	qa, qb := queues[a], queues[b]
	qa.mu.Lock()
	qb.mu.Lock()
	defer qb.mu.Unlock()
	defer qa.mu.Unlock()

	selfLoad, peerLoad := len(queues[self].items), len(queues[peer].items)
	if abs(selfLoad-peerLoad) <= LoadBalanceBias {
		return
	}

	var overloaded, underloaded *runqueue_t
	var underloadedID defs.Cpunum_t
	if selfLoad > peerLoad {
		overloaded, underloaded, underloadedID = queues[self], queues[peer], peer
	} else {
		overloaded, underloaded, underloadedID = queues[peer], queues[self], self
	}
	if overloaded.Len() == 0 {
		return
	}

	coldestIdx := 0
	for i, t := range overloaded.items {
		if t.vruntime > overloaded.items[coldestIdx].vruntime {
			coldestIdx = i
		}
	}
	stolen := overloaded.items[coldestIdx]
	heap.Remove(overloaded, coldestIdx)

	stolen.mu.Lock()
	stolen.cpu = underloadedID
	stolen.mu.Unlock()
	heap.Push(underloaded, stolen)
}

/// ResetForTest reinitialises sched's package-level state for n CPUs.
/// Exported only for other packages' tests that need a clean scheduler
/// (package proc's lifecycle tests); production code calls Init once.
func ResetForTest(n int) {
	once = sync.Once{}
	currentMu.Lock()
	current = nil
	currentMu.Unlock()
	Init(n)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
