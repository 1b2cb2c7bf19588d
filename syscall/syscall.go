// Package syscall implements the kernel-internal system call plane of
// spec.md §4.N (not Go's standard library syscall package), grounded on
// original_source's src/kernel/cpu/syscalls.c: a dispatch table sorted
// and verified once at boot, direct-indexed by stable syscall number,
// with a check-access gate the table's handlers must call before
// touching any user pointer.
package syscall

import (
	"sort"
	"sync"

	"patchworkos/defs"
	"patchworkos/percpu"
	"patchworkos/vm"
)

/// Args is the six register-passed arguments a syscall receives
/// (spec.md §4.N "pushes the six register-passed arguments").
type Args [6]uint64

/// Handler services one syscall, returning its RAX-equivalent result and
/// a kernel error (surfaced to userspace as SYS_ERRNO).
type Handler func(as *vm.Space_t, args Args) (uint64, defs.Err_t)

type descriptor_t struct {
	number  int
	name    string
	handler Handler
}

var (
	mu      sync.Mutex
	pending []descriptor_t
	table   []descriptor_t // sorted by number once Init runs
	sorted  bool
)

/// Register adds a syscall to the table; must be called before Init
/// (the original's linker-section registration, done here by explicit
/// calls from boot wiring instead of a link-time array).
func Register(number int, name string, h Handler) {
	mu.Lock()
	defer mu.Unlock()
	if sorted {
		panic("syscall: Register called after Init")
	}
	pending = append(pending, descriptor_t{number, name, h})
}

/// Init sorts the registered table by syscall number and asserts every
/// number from 0..len-1 is present exactly once (syscall_table_init:
/// "Syscalls are not inserted into the table ... in the correct order so
/// we sort them" + the boot-time assert that numbering is dense).
func Init() {
	mu.Lock()
	defer mu.Unlock()
	table = append([]descriptor_t(nil), pending...)
	sort.Slice(table, func(i, j int) bool { return table[i].number < table[j].number })
	for i, d := range table {
		if d.number != i {
			panic("syscall: dispatch table is not densely numbered from zero")
		}
	}
	sorted = true
}

func descriptorFor(number uint64) (*descriptor_t, bool) {
	mu.Lock()
	defer mu.Unlock()
	if int(number) >= len(table) {
		return nil, false
	}
	return &table[number], true
}

// NotePendingHook reports whether the calling thread has a note pending
// delivery; wired by package proc at boot to avoid syscall importing it.
var NotePendingHook func() bool

// InvokeNoteHook requests delivery of a pending note in regular interrupt
// context rather than on the SYSRET path (spec.md §4.N "Exit: ... trigger
// an IPI-invoke"); wired by package proc at boot to send that IPI.
var InvokeNoteHook func()

/// Handle runs the syscall numbered by number with args, against address
/// space as, tracking per-CPU perf counters and requesting note delivery
/// on the way out if one is pending (syscall_handler).
func Handle(c *percpu.Cpu_t, as *vm.Space_t, number uint64, args Args) (uint64, defs.Err_t) {
	d, ok := descriptorFor(number)
	if !ok {
		return 0, defs.ENOENT
	}

	if c != nil {
		c.Perf.Syscalls++
	}

	result, err := d.handler(as, args)

	if NotePendingHook != nil && NotePendingHook() {
		if InvokeNoteHook != nil {
			InvokeNoteHook()
		}
	}
	return result, err
}
