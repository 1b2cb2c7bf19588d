// Package percpu implements the per-CPU substrate (spec.md §4.D): one
// Cpu_t per logical CPU, the interrupt-disable nesting discipline every
// lock in package lock is built on, and the vector dispatch common path.
//
// The teacher reaches "the current CPU" through a forked Go runtime field
// (runtime.Gptr/Setgptr) addressed the way real PatchworkOS addresses it
// through the GS segment base. Neither exists in a hosted Go program. This
// package instead pins each simulated CPU to one locked OS thread
// (runtime.LockOSThread) for its entire lifetime and keys a registry by
// that thread's OS id (golang.org/x/sys/unix.Gettid on Linux) — the closest
// standard-library-reachable analogue of "a register that always points at
// the running CPU's record."
package percpu

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"patchworkos/defs"
)

/// Interrupt vector layout (spec.md §4.D). 0x00-0x1F are exceptions;
/// 0x20-0xF9 are external IRQs owned by package irq; the fixed vectors
/// below are reserved by the core itself.
const (
	VectorShootdown Vector = 0xFA
	VectorDie       Vector = 0xFB
	VectorNote      Vector = 0xFC
	VectorTimer     Vector = 0xFD
	VectorHalt      Vector = 0xFE
)

/// Vector is an interrupt vector number.
type Vector uint8

/// Frame_t is the interrupt frame, bit-exact with spec.md §6: GPRs in the
/// order r15..rax, then vector, error_code, rip, cs, rflags, rsp, ss (22
/// 8-byte fields total).
type Frame_t struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rbp, Rdi, Rsi, Rdx, Rcx, Rbx, Rax    uint64
	Vector, ErrorCode                    uint64
	Rip, Cs, Rflags, Rsp, Ss             uint64
}

const rflagsIF uint64 = 1 << 9

/// UserMode reports whether the frame was taken in ring 3, determined by
/// the ring-3 segment selectors in Cs (spec.md §4.D).
func (f *Frame_t) UserMode() bool { return f.Cs&0x3 == 0x3 }

// stack_t is one IST-style interrupt stack: a byte arena with a canary
// word at the bottom, checked on every handler return (spec.md §4.D, §8
// "preemption safety"/"stack-canary corruption").
type stack_t struct {
	bytes  []byte
	canary uint64
}

const stackCanary uint64 = 0xDEADC0DEDEADC0DE

func newStack(pages int) *stack_t {
	s := &stack_t{bytes: make([]byte, pages*4096), canary: stackCanary}
	return s
}

func (s *stack_t) intact() bool { return s.canary == stackCanary }

/// Cpu_t is one logical CPU's record (spec.md §3 "CPU record"). Created
/// once by the boot trampoline and never destroyed.
type Cpu_t struct {
	ID     defs.Cpunum_t
	ApicID uint32

	disableDepth int32
	disableIF    bool // IF at the moment depth first became non-zero

	exceptionStack   *stack_t
	doubleFaultStack *stack_t
	interruptStack   *stack_t

	// HasXsave records whether this CPU supports the xsave instruction
	// (vs. falling back to fxsave) for the SIMD context switch, detected
	// once at boot via golang.org/x/sys/cpu (spec.md §4.H "Context
	// switch: ... FPU/SIMD via xsave/fxsave").
	HasXsave bool

	notePending int32 // atomic: set by SetNotePending, read at interrupt return

	dying int32 // atomic: set by MarkDying

	Perf PerfCounters
}

/// PerfCounters is the per-CPU slice of the accounting spec.md §4.N and
/// the supplemented perf categories from SPEC_FULL.md §3 (scheduler
/// switches, page faults, syscalls), read by package perf for export.
type PerfCounters struct {
	SchedSwitches uint64
	PageFaults    uint64
	Syscalls      uint64
}

var (
	cpusMu sync.RWMutex
	cpus   []*Cpu_t
	byTid  sync.Map // os thread id -> *Cpu_t
)

/// Boot creates n Cpu_t records, matching apicIDs 1:1 by index. It must be
/// called once, before any CPU goroutine starts.
func Boot(apicIDs []uint32) []*Cpu_t {
	cpusMu.Lock()
	defer cpusMu.Unlock()
	cpus = make([]*Cpu_t, len(apicIDs))
	for i, apic := range apicIDs {
		c := &Cpu_t{
			ID:               defs.Cpunum_t(i),
			ApicID:           apic,
			exceptionStack:   newStack(1),
			doubleFaultStack: newStack(1),
			interruptStack:   newStack(1),
			HasXsave:         cpu.X86.HasOSXSAVE,
		}
		cpus[i] = c
	}
	return cpus
}

/// Count returns the number of booted CPUs.
func Count() int {
	cpusMu.RLock()
	defer cpusMu.RUnlock()
	return len(cpus)
}

/// ByID returns the Cpu_t for a logical id.
func ByID(id defs.Cpunum_t) *Cpu_t {
	cpusMu.RLock()
	defer cpusMu.RUnlock()
	return cpus[id]
}

/// All returns every booted Cpu_t.
func All() []*Cpu_t {
	cpusMu.RLock()
	defer cpusMu.RUnlock()
	out := make([]*Cpu_t, len(cpus))
	copy(out, cpus)
	return out
}

/// BindCurrent associates the calling OS thread with c. The caller must
/// have already called runtime.LockOSThread; this is normally done once
/// by each simulated CPU's dispatch loop at startup.
func BindCurrent(c *Cpu_t) {
	byTid.Store(currentTid(), c)
}

/// Current returns the Cpu_t bound to the calling OS thread via
/// BindCurrent, or nil if none (e.g. a goroutine not pinned to a
/// simulated CPU, such as a test running on the Go scheduler's own
/// threads).
func Current() *Cpu_t {
	v, ok := byTid.Load(currentTid())
	if !ok {
		return nil
	}
	return v.(*Cpu_t)
}

// --- interrupt-disable nesting discipline (spec.md §4.D) ----------------

/// Disable increments the nesting depth, saving whether interrupts were
/// enabled on first entry. Every spinlock in package lock brackets its
/// critical section with Disable/Enable.
func (c *Cpu_t) Disable(wasEnabled bool) {
	if atomic.AddInt32(&c.disableDepth, 1) == 1 {
		c.disableIF = wasEnabled
	}
}

/// Enable decrements the nesting depth and reports whether interrupts
/// should now be restored to enabled (true only when depth reaches zero
/// and the outermost Disable call observed them enabled).
func (c *Cpu_t) Enable() bool {
	d := atomic.AddInt32(&c.disableDepth, -1)
	if d < 0 {
		panic("percpu: interrupt-disable nesting underflow")
	}
	return d == 0 && c.disableIF
}

/// Disabled reports whether this CPU currently has interrupts disabled via
/// the nesting counter (depth > 0). Spinlocks use this to assert that no
/// component suspends while holding a lock (spec.md §5).
func (c *Cpu_t) Disabled() bool {
	return atomic.LoadInt32(&c.disableDepth) > 0
}

// --- notes / die fast paths, consulted at every interrupt return --------

/// SetNotePending marks that a note (possibly "kill") is waiting for the
/// thread currently running on c (spec.md §4.O).
func (c *Cpu_t) SetNotePending() { atomic.StoreInt32(&c.notePending, 1) }

/// TakeNotePending clears and returns whether a note was pending.
func (c *Cpu_t) TakeNotePending() bool {
	return atomic.SwapInt32(&c.notePending, 0) != 0
}

/// MarkDying marks c for shutdown. No handler is registered on VectorDie
/// in this repository; MarkDying is only called directly.
func (c *Cpu_t) MarkDying() { atomic.StoreInt32(&c.dying, 1) }

/// Dying reports whether c has been told to shut down.
func (c *Cpu_t) Dying() bool { return atomic.LoadInt32(&c.dying) != 0 }

// --- stack canary check, run at the tail of the common dispatch path ----

/// StackCanariesIntact checks every IST-style stack's canary word. A
/// corrupted canary is Fatal (spec.md §7) and the caller should panic.
func (c *Cpu_t) StackCanariesIntact() bool {
	return c.exceptionStack.intact() && c.doubleFaultStack.intact() && c.interruptStack.intact()
}
