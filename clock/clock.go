// Package clock implements clock sources and the per-CPU deadline timer
// of spec.md §4.G, grounded on original_source's src/kernel/sched/clock.c
// and src/kernel/sched/timer.c: a registry of competing time sources
// (picked by lowest declared precision), and earliest-deadline-wins
// one-shot reprogramming per CPU.
package clock

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

/// Never is the CLOCKS_NEVER sentinel: a deadline that will not fire.
const Never = ^uint64(0)

/// Source is the hardware (or simulated) time-source collaborator
/// (Non-goal: no real HPET/RTC/TSC driver is implemented, only this
/// interface and a test double).
type Source interface {
	// Precision reports this source's resolution in nanoseconds; lower
	// wins (clock_update_best_sources picks "lowest precision field").
	Precision() uint64
	UptimeNs() uint64
	EpochNs() uint64
}

type registered_t struct {
	name string
	src  Source
}

var (
	sourcesMu       sync.RWMutex
	sources         []registered_t
	bestNs, bestEpoch *registered_t
)

/// RegisterSource adds src under name and recomputes the best ns/epoch
/// source if src beats the current one on precision.
func RegisterSource(name string, src Source) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	r := registered_t{name, src}
	sources = append(sources, r)
	updateBestLocked()
}

/// UnregisterSource removes name and recomputes the best sources.
func UnregisterSource(name string) {
	sourcesMu.Lock()
	defer sourcesMu.Unlock()
	for i, r := range sources {
		if r.name == name {
			sources = append(sources[:i], sources[i+1:]...)
			break
		}
	}
	updateBestLocked()
}

func updateBestLocked() {
	bestNs, bestEpoch = nil, nil
	for i := range sources {
		r := &sources[i]
		if bestNs == nil || r.src.Precision() < bestNs.src.Precision() {
			bestNs = r
		}
		if bestEpoch == nil || r.src.Precision() < bestEpoch.src.Precision() {
			bestEpoch = r
		}
	}
}

/// Uptime returns nanoseconds since boot from the best-registered source
/// (clock_uptime). Panics if no source is currently registered, matching the
/// original's assert-before-first-registration behavior.
func Uptime() uint64 {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	if bestNs == nil {
		panic("clock: uptime queried before any source registered")
	}
	return bestNs.src.UptimeNs()
}

/// Epoch returns nanoseconds since the Unix epoch from the best
/// registered source (clock_epoch).
func Epoch() uint64 {
	sourcesMu.RLock()
	defer sourcesMu.RUnlock()
	if bestEpoch == nil {
		panic("clock: epoch queried before any source registered")
	}
	return bestEpoch.src.EpochNs()
}

/// Wait busy-polls Uptime until at least ns nanoseconds have elapsed
/// (clock_wait). Used only for short, bounded waits; anything longer
/// belongs on a deadline timer or a wait queue.
func Wait(ns uint64) {
	end := Uptime() + ns
	for Uptime() < end {
		runtime.Gosched()
	}
}

// --- per-CPU deadline timer (timer.c) ------------------------------------

const maxTimerCallbacks = 16 // TIMER_MAX_CALLBACK

/// TimerCallback fires when a CPU's armed deadline elapses.
type TimerCallback func()

type cpuTimer_t struct {
	mu            sync.Mutex
	nextDeadline  uint64
	callbacks     [maxTimerCallbacks]TimerCallback
	used          [maxTimerCallbacks]bool
}

// ArmHook reprograms this CPU's hardware/simulated timer source to fire
// at absolute deadline ns; wired by package boot since clock itself has
// no access to a concrete timer device (Non-goal: no real APIC timer).
type ArmHook func(cpu int, deadlineNs uint64)

var (
	timersMu sync.Mutex
	timers   []*cpuTimer_t
	arm      ArmHook

	spamLimiter = rate.NewLimiter(rate.Every(time.Second), 1)
	logf        func(format string, args ...interface{})
)

/// InitTimers allocates n per-CPU timer contexts and installs the arm
/// hook. Must run once, after percpu.Boot.
func InitTimers(n int, armHook ArmHook) {
	timersMu.Lock()
	defer timersMu.Unlock()
	timers = make([]*cpuTimer_t, n)
	for i := range timers {
		timers[i] = &cpuTimer_t{nextDeadline: Never}
	}
	arm = armHook
}

/// SetLogger installs the rate-limited diagnostic logger for spurious
/// re-arm spam; nil disables logging.
func SetLogger(f func(format string, args ...interface{})) { logf = f }

/// RegisterCallback installs fn into a free slot on cpu's timer context,
/// returning its slot index. Panics if no slot is free, matching
/// timer_register_callback's fixed-size-array assumption.
func RegisterCallback(cpu int, fn TimerCallback) int {
	t := timers[cpu]
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, used := range t.used {
		if !used {
			t.used[i] = true
			t.callbacks[i] = fn
			return i
		}
	}
	panic("clock: no free timer callback slot")
}

/// UnregisterCallback frees the slot returned by RegisterCallback.
func UnregisterCallback(cpu, slot int) {
	t := timers[cpu]
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[slot] = false
	t.callbacks[slot] = nil
}

/// OneShot reprograms cpu's timer for uptime+timeout only if that beats
/// the currently armed deadline (timer_one_shot's earliest-deadline-wins
/// rule). Returns the deadline actually in effect.
func OneShot(cpu int, uptime, timeout uint64) uint64 {
	t := timers[cpu]
	t.mu.Lock()
	deadline := uptime + timeout
	if deadline < t.nextDeadline {
		t.nextDeadline = deadline
		if arm != nil {
			arm(cpu, deadline)
		}
	} else if logf != nil && spamLimiter.Allow() {
		logf("clock: cpu %d re-arm at %d ignored, earlier deadline %d already armed\n", cpu, deadline, t.nextDeadline)
	}
	result := t.nextDeadline
	t.mu.Unlock()
	return result
}

/// InterruptHandler resets cpu's deadline to Never and invokes every
/// registered callback (timer_interrupt_handler).
func InterruptHandler(cpu int) {
	t := timers[cpu]
	t.mu.Lock()
	t.nextDeadline = Never
	cbs := make([]TimerCallback, 0, maxTimerCallbacks)
	for i, used := range t.used {
		if used && t.callbacks[i] != nil {
			cbs = append(cbs, t.callbacks[i])
		}
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}
