package proc

import (
	"patchworkos/defs"
	"patchworkos/ipi"
	"patchworkos/note"
	"patchworkos/percpu"
	"patchworkos/rcu"
	"patchworkos/sched"
	"patchworkos/syscall"
)

/// WireHooks installs proc as the policy behind the hook variables of
/// percpu, rcu, note and syscall, the same dependency-inversion pattern
/// percpu.NoteHook/SchedHook already establishes: those packages stay
/// free of any import on proc. Called once during boot, after
/// percpu/sched/note/ipi/syscall are all initialised.
func WireHooks() {
	percpu.SchedHook = sched.Dispatch
	rcu.IdleHook = sched.IsIdle
	rcu.WakeHook = func(id defs.Cpunum_t) { ipi.WakeUp(id) }

	note.KillHandler = func(c *percpu.Cpu_t) {
		th := CurrentThread(c.ID)
		if th == nil {
			return
		}
		th.Process.Kill(0)
	}

	percpu.NoteHook = func(c *percpu.Cpu_t) {
		if !c.TakeNotePending() {
			return
		}
		th := CurrentThread(c.ID)
		if th == nil {
			return
		}
		note.HandlePending(c, &th.Notes)
	}

	syscall.NotePendingHook = func() bool {
		c := percpu.Current()
		if c == nil {
			return false
		}
		th := CurrentThread(c.ID)
		return th != nil && note.Length(&th.Notes) > 0
	}

	// syscall.c's exit path: rather than deliver a pending note mid-syscall,
	// raise a self-IPI on the note-pending flag so delivery happens through
	// the regular interrupt return path on the way back to user space.
	syscall.InvokeNoteHook = func() {
		c := percpu.Current()
		if c == nil {
			return
		}
		ipi.Send(c.ID, c.ID, ipi.Single, func(interface{}) { c.SetNotePending() }, nil)
	}
}
