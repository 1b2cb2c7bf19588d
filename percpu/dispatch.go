package percpu

import "sync"

/// VectorHandler processes one interrupt frame; additional handlers at the
/// same vector (spec.md §4.E "list of callbacks") all run in registration
/// order.
type VectorHandler func(c *Cpu_t, f *Frame_t)

var (
	handlersMu sync.RWMutex
	handlers   = map[Vector][]VectorHandler{}
)

/// RegisterVector appends h to the handler list for v. Used by package irq
/// for external IRQs and by the core itself for the fixed vectors.
func RegisterVector(v Vector, h VectorHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[v] = append(handlers[v], h)
}

// NoteHook is invoked once per dispatch, after vector handlers run, to let
// package note deliver a pending note or act on a pending kill. It is
// registered by note.init-style wiring at boot rather than imported
// directly, keeping percpu a leaf with respect to note (spec.md §9 "global
// mutable state" pattern: one-time registration instead of an import
// cycle).
var NoteHook func(c *Cpu_t)

// SchedHook is invoked once per dispatch, after NoteHook, to let package
// sched context-switch away if the running thread's slice expired or a
// higher-priority thread became runnable (spec.md §4.H "preemption
// points: interrupt return").
var SchedHook func(c *Cpu_t)

/// Dispatch runs the common interrupt path described in spec.md §4.D:
/// dispatch the registered handlers for f.Vector, deliver pending notes,
/// invoke the scheduler, then verify the stack canaries and that no
/// handler returns with interrupts left disabled.
func Dispatch(c *Cpu_t, f *Frame_t) {
	handlersMu.RLock()
	hs := handlers[Vector(f.Vector)]
	handlersMu.RUnlock()
	for _, h := range hs {
		h(c, f)
	}

	if NoteHook != nil {
		NoteHook(c)
	}
	if SchedHook != nil {
		SchedHook(c)
	}

	if !c.StackCanariesIntact() {
		panic("percpu: stack canary corrupted")
	}
	if f.Rflags&rflagsIF == 0 {
		panic("percpu: returned from interrupt with IF clear")
	}
}
