// Package proc implements thread/process lifecycle (spec.md §4.I),
// grounded on original_source's include/kernel/proc/process.h and
// src/kernel/proc/reaper.c: reference-counted processes holding the
// address space, futex table, and per-thread note queues; a zombie list
// drained by a dedicated reaper once every thread has truly exited.
package proc

import (
	"sync"
	"sync/atomic"

	"patchworkos/defs"
	"patchworkos/futex"
	"patchworkos/note"
	"patchworkos/sched"
	"patchworkos/vm"
	"patchworkos/wait"
)

/// Thread_t is one schedulable thread of execution within a Process_t.
type Thread_t struct {
	*sched.Thread
	Process *Process_t
	Notes   note.Queue_t
}

/// Process_t is the shared-resource container for a group of threads
/// (process_t): address space, open-file-adjacent futex table, and the
/// bookkeeping needed to notice when every thread has exited.
type Process_t struct {
	refs int32

	ID       defs.Pid_t
	Priority int
	status   uint64

	cwdMu   sync.Mutex
	Cwd     string
	Cmdline []string

	Space    *vm.Space_t
	FutexCtx futex.Ctx_t

	dyingMu        sync.Mutex
	dyingWaitQueue wait.Queue_t
	isDying        int32

	threadsMu sync.Mutex
	threads   map[defs.Tid_t]*Thread_t

	parentMu sync.Mutex
	parent   *Process_t
	children map[defs.Pid_t]*Process_t
}

var (
	mu       sync.Mutex
	byID     = map[defs.Pid_t]*Process_t{}
	nextPid  defs.Pid_t
	nextTid  defs.Tid_t
	kernel   *Process_t
	kernelMu sync.Once

	threadsMu  sync.Mutex
	threadsByID = map[defs.Tid_t]*Thread_t{}
)

func newPid() defs.Pid_t {
	mu.Lock()
	defer mu.Unlock()
	nextPid++
	return nextPid
}

func newTid() defs.Tid_t {
	mu.Lock()
	defer mu.Unlock()
	nextTid++
	return nextTid
}

/// New allocates a process (process_new): a fresh address space, empty
/// futex/thread tables, linked as a child of parent if non-nil.
func New(parent *Process_t, priority int) *Process_t {
	p := &Process_t{
		refs:     1,
		ID:       newPid(),
		Priority: priority,
		Space:    vm.NewSpace(),
		threads:  map[defs.Tid_t]*Thread_t{},
		parent:   parent,
		children: map[defs.Pid_t]*Process_t{},
	}
	mu.Lock()
	byID[p.ID] = p
	mu.Unlock()

	if parent != nil {
		parent.parentMu.Lock()
		parent.children[p.ID] = p
		parent.parentMu.Unlock()
	}
	return p
}

/// Kernel returns the lazily-initialised kernel process (process_get_kernel).
func Kernel() *Process_t {
	kernelMu.Do(func() { kernel = New(nil, 0) })
	return kernel
}

/// Ref increments p's reference count and returns p (REF).
func Ref(p *Process_t) *Process_t {
	atomic.AddInt32(&p.refs, 1)
	return p
}

/// Unref decrements p's reference count, removing it from the process
/// table once it reaches zero (UNREF/DEREF).
func Unref(p *Process_t) {
	if atomic.AddInt32(&p.refs, -1) != 0 {
		return
	}
	mu.Lock()
	delete(byID, p.ID)
	mu.Unlock()
}

/// NewThread creates a thread in p, choosing the least-loaded of
/// candidates (or any CPU if empty) to run on, and queues it runnable.
func (p *Process_t) NewThread(priority int, candidates []defs.Cpunum_t) *Thread_t {
	t := &Thread_t{Process: p, Thread: sched.NewThread(newTid(), priority, candidates)}

	p.threadsMu.Lock()
	p.threads[t.Thread.ID] = t
	p.threadsMu.Unlock()

	threadsMu.Lock()
	threadsByID[t.Thread.ID] = t
	threadsMu.Unlock()
	return t
}

/// CurrentThread resolves the thread scheduled on cpu to its full
/// Thread_t record (sched only tracks the lightweight sched.Thread);
/// nil if the CPU is running its idle thread or hasn't dispatched yet.
func CurrentThread(cpu defs.Cpunum_t) *Thread_t {
	st := sched.Current(cpu)
	if st == nil {
		return nil
	}
	threadsMu.Lock()
	defer threadsMu.Unlock()
	return threadsByID[st.ID]
}

/// ThreadCount reports how many threads p currently tracks (used by the
/// reaper's "has everyone truly exited" check, process_rcu_thread_count).
func (p *Process_t) ThreadCount() int {
	p.threadsMu.Lock()
	defer p.threadsMu.Unlock()
	return len(p.threads)
}

/// removeThread drops t from p's thread table once it has fully exited
/// (spec.md §4.I "owning CPU sees it on dispatch and moves it to the
/// process zombie list" — here represented as leaving the thread table).
func (p *Process_t) removeThread(id defs.Tid_t) {
	p.threadsMu.Lock()
	delete(p.threads, id)
	empty := len(p.threads) == 0
	p.threadsMu.Unlock()

	threadsMu.Lock()
	delete(threadsByID, id)
	threadsMu.Unlock()

	if empty {
		reaperPush(p)
	}
}

/// IsChildOf reports whether p is a child of the process with parentId
/// (process_is_child).
func (p *Process_t) IsChildOf(parentID defs.Pid_t) bool {
	p.parentMu.Lock()
	defer p.parentMu.Unlock()
	return p.parent != nil && p.parent.ID == parentID
}

/// Kill sends a privileged "kill" note to every thread in p, sets its
/// exit status, and wakes anything blocked waiting for p to exit
/// (process_kill). Idempotent.
func (p *Process_t) Kill(status uint64) {
	p.dyingMu.Lock()
	if p.isDying != 0 {
		p.dyingMu.Unlock()
		return
	}
	p.isDying = 1
	atomic.StoreUint64(&p.status, status)
	p.dyingMu.Unlock()

	p.threadsMu.Lock()
	threads := make([]*Thread_t, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.threadsMu.Unlock()

	for _, t := range threads {
		note.Write(&t.Notes, 0, []byte("kill"))
	}
	wait.UnblockAll(&p.dyingWaitQueue, 0)
}

/// Status returns p's exit status, valid only once p is dying.
func (p *Process_t) Status() uint64 { return atomic.LoadUint64(&p.status) }

/// IsDying reports whether Kill has been called on p.
func (p *Process_t) IsDying() bool {
	p.dyingMu.Lock()
	defer p.dyingMu.Unlock()
	return p.isDying != 0
}

/// WaitExit blocks the calling thread until p is dying, returning its
/// exit status (backs the /proc/[pid]/wait file, spec.md §6).
func (p *Process_t) WaitExit() uint64 {
	p.dyingMu.Lock()
	wait.BlockLock(&p.dyingWaitQueue, &p.dyingMu, func() bool { return p.isDying != 0 }, 0)
	p.dyingMu.Unlock()
	return p.Status()
}

/// ByID looks up a live process by id.
func ByID(id defs.Pid_t) (*Process_t, bool) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := byID[id]
	return p, ok
}
