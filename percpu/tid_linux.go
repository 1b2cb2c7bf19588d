//go:build linux

package percpu

import "golang.org/x/sys/unix"

// currentTid returns the OS thread id of the calling thread. On Linux this
// is the value BindCurrent's caller pinned itself to via
// runtime.LockOSThread, giving each simulated CPU a stable key for the
// lifetime of its dispatch loop.
func currentTid() int {
	return unix.Gettid()
}
