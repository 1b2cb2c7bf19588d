// Package rcu implements read-copy-update reclamation (spec.md §4.L),
// grounded on original_source's src/kernel/sync/rcu.c and
// include/kernel/sync/rcu.h: per-CPU three-list callback rotation, a
// global ack bitmap that tracks which CPUs still owe a quiescent-state
// report for the current grace period, and a blocking Synchronize.
package rcu

import (
	"sync"

	"patchworkos/defs"
	"patchworkos/percpu"
)

/// Callback is queued work run once every CPU has passed through a
/// quiescent state since it was registered.
type Callback func(arg interface{})

type entry_t struct {
	fn  Callback
	arg interface{}
}

// perCpu_t is one CPU's three-list rotation: batch accepts new callbacks,
// waiting holds callbacks from the most recently started grace period,
// ready holds callbacks whose grace period has already elapsed and are
// due to run on this CPU's next quiescent-state report.
type perCpu_t struct {
	mu              sync.Mutex
	grace           uint64
	batch, waiting, ready []entry_t
}

var (
	cpus []*perCpu_t
	once sync.Once

	globalMu sync.Mutex
	ack      map[defs.Cpunum_t]bool
	grace    uint64
	active   bool
)

/// IdleHook lets package sched report whether a CPU is currently idle, so
/// a new grace period wakes only idle CPUs with an IPI-equivalent nudge
/// (wired at boot by proc.WireHooks; avoids rcu importing sched). Nil
/// means "assume busy."
var IdleHook func(id defs.Cpunum_t) bool

/// WakeHook nudges an idle CPU to re-check for RCU work, the Go analogue
/// of rcu.c's wake-up IPI to idle CPUs. Wired by proc.WireHooks at boot
/// to ipi.WakeUp.
var WakeHook func(id defs.Cpunum_t)

/// Init allocates per-CPU rotation state for n CPUs. Must run once, after
/// percpu.Boot.
func Init(n int) {
	once.Do(func() {
		cpus = make([]*perCpu_t, n)
		for i := range cpus {
			cpus[i] = &perCpu_t{}
		}
		ack = make(map[defs.Cpunum_t]bool, n)
	})
}

func self(id defs.Cpunum_t) *perCpu_t { return cpus[id] }

/// ReadLock marks entry into an RCU read-side critical section. Grounded
/// directly on rcu.c: "rcu_read_lock is literally interrupt_disable."
func ReadLock() {
	if c := percpu.Current(); c != nil {
		c.Disable(true)
	}
}

/// ReadUnlock leaves the read-side critical section.
func ReadUnlock() {
	if c := percpu.Current(); c != nil {
		c.Enable()
	}
}

/// Call queues fn(arg) to run after the grace period in progress when it
/// was registered elapses (rcu_call).
func Call(id defs.Cpunum_t, fn Callback, arg interface{}) {
	p := self(id)
	p.mu.Lock()
	p.batch = append(p.batch, entry_t{fn, arg})
	p.mu.Unlock()
}

/// ReportQuiescent is called once per CPU at a safe point (spec.md §4.D
/// dispatch tail, or the idle loop) to acknowledge the current grace
/// period and advance this CPU's callback rotation, directly following
/// rcu_report_quiescent()'s algorithm and promotion condition.
func ReportQuiescent(id defs.Cpunum_t) {
	p := self(id)
	p.mu.Lock()

	globalMu.Lock()
	if active && ack[id] {
		delete(ack, id)
		if len(ack) == 0 {
			active = false
		}
	}
	wake := len(p.waiting) > 0 && (grace > p.grace || (grace == p.grace && !active))
	curGrace := grace
	curActive := active
	globalMu.Unlock()

	ready := p.ready
	p.ready = nil
	p.mu.Unlock()

	for _, e := range ready {
		e.fn(e.arg)
	}

	p.mu.Lock()
	if wake {
		p.ready, p.waiting = p.waiting, p.ready
	}
	if len(p.waiting) == 0 && len(p.batch) > 0 {
		p.waiting, p.batch = p.batch, p.waiting
		p.grace = curGrace + 1
	}
	needStart := len(p.waiting) > 0 && !curActive
	p.mu.Unlock()

	if needStart {
		startGracePeriod()
	}
}

// startGracePeriod marks every CPU as owing a quiescent-state report and
// nudges any idle ones, matching rcu.c's grace-period kickoff.
func startGracePeriod() {
	globalMu.Lock()
	if active {
		globalMu.Unlock()
		return
	}
	active = true
	grace++
	for i := range cpus {
		ack[defs.Cpunum_t(i)] = true
	}
	globalMu.Unlock()

	for i := range cpus {
		id := defs.Cpunum_t(i)
		idle := IdleHook != nil && IdleHook(id)
		if idle && WakeHook != nil {
			WakeHook(id)
		}
	}
}

/// Synchronize blocks the calling thread until every callback queued by
/// Call on id before this call has run (rcu_synchronize). Grounded on
/// rcu_synchronize's local synchronize_t blocked until its rcu_call
/// completion callback fires; the completion signal itself is a
/// single-shot channel rather than a wait.Queue_t, since nothing else
/// needs to observe this particular grace period finishing.
func Synchronize(id defs.Cpunum_t) {
	done := make(chan struct{})
	Call(id, func(interface{}) { close(done) }, nil)
	<-done
}
