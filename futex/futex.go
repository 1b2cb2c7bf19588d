// Package futex implements fast userspace mutexes (spec.md §4.M),
// grounded on original_source's src/kernel/sync/futex.c: a per-process
// table of futex_t records keyed by the futex's user virtual address,
// lazily allocated, with FUTEX_WAIT/FUTEX_WAKE built on package wait.
package futex

import (
	"sync"
	"time"

	"patchworkos/defs"
	"patchworkos/vm"
	"patchworkos/wait"
)

type futex_t struct {
	queue wait.Queue_t
}

/// Ctx_t is the per-process futex table (futex_ctx_t). Zero value ready.
type Ctx_t struct {
	mu      sync.Mutex
	futexes map[uintptr]*futex_t
}

func (c *Ctx_t) get(addr uintptr) *futex_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.futexes == nil {
		c.futexes = make(map[uintptr]*futex_t)
	}
	f, ok := c.futexes[addr]
	if !ok {
		f = &futex_t{}
		c.futexes[addr] = f
	}
	return f
}

/// Wait implements FUTEX_WAIT: if the 32-bit word at addr still equals
/// val, blocks until woken by Wake or timeout elapses (timeout<=0 waits
/// forever, matching CLOCKS_NEVER). Returns EAGAIN immediately if the
/// value has already changed, exactly as futex.c checks before blocking.
func (c *Ctx_t) Wait(as *vm.Space_t, addr uintptr, val uint32, timeout time.Duration) defs.Err_t {
	f := c.get(addr)

	var buf [4]byte
	if err := vm.CopyFromUserAt(as, addr, buf[:]); err != 0 {
		return err
	}
	cur := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if cur != val {
		return defs.EAGAIN
	}

	_, err := wait.Block(&f.queue, timeout)
	return err
}

/// Wake implements FUTEX_WAKE: wakes up to n threads blocked on addr,
/// returning the number actually woken (wait_unblock(&futex->queue, n,
/// EOK)).
func (c *Ctx_t) Wake(addr uintptr, n int) int {
	c.mu.Lock()
	f, ok := c.futexes[addr]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return wait.Unblock(&f.queue, n, 0)
}
