// Package ipi implements inter-processor interrupts (spec.md §4.F),
// grounded on original_source's src/kernel/cpu/ipi.c and
// include/kernel/cpu/ipi.h: a single registered chip, a fixed-capacity
// per-CPU ring of pending (function, argument) pairs, and send-side
// SINGLE/BROADCAST/OTHERS targeting semantics.
package ipi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"patchworkos/defs"
	"patchworkos/percpu"
)

const queueSize = 16 // IPI_QUEUE_SIZE

/// Flags selects which CPUs an IPI targets (ipi_send flags).
type Flags int

const (
	Single    Flags = iota /// exactly the named CPU
	Broadcast              /// every CPU, including the sender
	Others                 /// every CPU except the sender
)

/// Func is the work invoked on the target CPU when its queued entry is
/// drained. A nil Func is a pure wake-up (ipi_wake_up: "function-less
/// wake IPI").
type Func func(private interface{})

type entry_t struct {
	fn      Func
	private interface{}
}

type ring_t struct {
	mu                   sync.Mutex
	queue                [queueSize]entry_t
	readIndex, writeIndex int
	count                int
}

func (r *ring_t) push(e entry_t) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == queueSize {
		return defs.EBUSY
	}
	r.queue[r.writeIndex] = e
	r.writeIndex = (r.writeIndex + 1) % queueSize
	r.count++
	return 0
}

func (r *ring_t) drain() []entry_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entry_t, 0, r.count)
	for r.count > 0 {
		out = append(out, r.queue[r.readIndex])
		r.readIndex = (r.readIndex + 1) % queueSize
		r.count--
	}
	return out
}

/// Chip is the hardware-specific collaborator that actually raises the
/// IPI vector on a target CPU (Non-goal: no real APIC driver backs this
/// in the hosted simulation; package boot wires a local-dispatch stand-in
/// that calls Handler directly).
type Chip interface {
	Raise(target defs.Cpunum_t)
}

var (
	chipMu sync.RWMutex
	chip   Chip

	rings []*ring_t

	// busyLimiter rate-limits the EBUSY diagnostic log so a CPU spinning
	// against a full ring does not flood the console (SPEC_FULL.md §2).
	busyLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	logf        func(format string, args ...interface{})
)

/// Init allocates n per-CPU rings. Must run once, after percpu.Boot.
func Init(n int) {
	rings = make([]*ring_t, n)
	for i := range rings {
		rings[i] = &ring_t{}
	}
}

/// RegisterChip installs the single IPI-raising chip, EBUSY if one
/// already exists (ipi_chip_t registration under chipLock).
func RegisterChip(c Chip) defs.Err_t {
	chipMu.Lock()
	defer chipMu.Unlock()
	if chip != nil {
		return defs.EBUSY
	}
	chip = c
	return 0
}

/// SetLogger installs the diagnostic logger used for rate-limited
/// "ring full" messages; nil disables logging.
func SetLogger(f func(format string, args ...interface{})) { logf = f }

func raise(target defs.Cpunum_t) defs.Err_t {
	chipMu.RLock()
	c := chip
	chipMu.RUnlock()
	if c == nil {
		return defs.ENODEV
	}
	c.Raise(target)
	return 0
}

/// Send queues fn(private) on the CPUs selected by flags and raises the
/// IPI vector to deliver it (ipi_send). sender identifies the calling CPU
/// so Others can exclude it.
func Send(sender defs.Cpunum_t, target defs.Cpunum_t, flags Flags, fn Func, private interface{}) defs.Err_t {
	switch flags {
	case Single:
		return sendOne(target, fn, private)
	case Broadcast:
		var last defs.Err_t
		for i := range rings {
			if err := sendOne(defs.Cpunum_t(i), fn, private); err != 0 {
				last = err
			}
		}
		return last
	case Others:
		var last defs.Err_t
		for i := range rings {
			if defs.Cpunum_t(i) == sender {
				continue
			}
			if err := sendOne(defs.Cpunum_t(i), fn, private); err != 0 {
				last = err
			}
		}
		return last
	default:
		return defs.EINVAL
	}
}

func sendOne(target defs.Cpunum_t, fn Func, private interface{}) defs.Err_t {
	if int(target) >= len(rings) {
		return defs.EINVAL
	}
	if err := rings[target].push(entry_t{fn, private}); err != 0 {
		if logf != nil && busyLimiter.Allow() {
			logf("ipi: ring for cpu %d full, dropping send\n", target)
		}
		return err
	}
	return raise(target)
}

/// WakeUp sends a function-less wake IPI to target, the fast path used to
/// pull an idle CPU out of halt (ipi_wake_up).
func WakeUp(target defs.Cpunum_t) defs.Err_t {
	return sendOne(target, nil, nil)
}

/// Handler drains and runs every queued entry for the calling CPU; wired
/// to the fixed IPI vector via percpu.RegisterVector at boot
/// (ipi_handler_func).
func Handler(c *percpu.Cpu_t, f *percpu.Frame_t) {
	if int(c.ID) >= len(rings) {
		return
	}
	for _, e := range rings[c.ID].drain() {
		if e.fn != nil {
			e.fn(e.private)
		}
	}
}
