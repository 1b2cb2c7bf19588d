// Package boot implements the boot-info handoff of spec.md §4.P,
// grounded on original_source's src/kernel/init/boot_info.c: relocate
// the bootloader's boot-info blob to the higher half, hand ACPI/
// framebuffer ownership to their external collaborator interfaces, then
// free the bootloader-only memory regions the blob itself describes.
package boot

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"patchworkos/clock"
	"patchworkos/defs"
	"patchworkos/ipi"
	"patchworkos/irq"
	"patchworkos/mem"
	"patchworkos/percpu"
	"patchworkos/proc"
	"patchworkos/rcu"
	"patchworkos/sched"
)

/// RegionType mirrors the subset of EFI_MEMORY_DESCRIPTOR.Type the core
/// cares about (boot_info_free only reclaims EfiLoaderData).
type RegionType int

const (
	RegionReserved RegionType = iota
	RegionLoaderData
	RegionRuntimeServices
)

/// Region is one descriptor from the EFI memory map.
type Region struct {
	Pfn   mem.Pfn_t
	Pages int
	Type  RegionType
}

/// Framebuffer is the GOP collaborator handed off at boot (Non-goal: no
/// real framebuffer driver backs this).
type Framebuffer interface {
	Adopt(physAddr, virtAddr uintptr, width, height, pitch uint32)
}

/// ACPI is the RSDP/AML collaborator handed off at boot (Non-goal: no
/// real ACPI/AML interpreter backs this).
type ACPI interface {
	Adopt(rsdp uintptr)
}

/// Info is the relocated, higher-half view of the bootloader's boot-info
/// blob (boot_info_t): framebuffer/RSDP/runtime-services pointers plus
/// the EFI memory map used to reclaim bootloader-only pages.
type Info struct {
	FramebufferPhys, FramebufferVirt uintptr
	Width, Height, Pitch             uint32

	RSDP             uintptr
	RuntimeServices  uintptr
	KernelPhys       uintptr
	MemoryMap        []Region

	relocated bool
	freed     bool
}

var logf = func(format string, args ...interface{}) { fmt.Printf(format, args...) }

/// SetLogger overrides the diagnostic logger (nil restores the default
/// fmt.Printf-based one), matching the teacher's plain printf-style
/// logging carried throughout this repo rather than a structured logger.
func SetLogger(f func(format string, args ...interface{})) {
	if f == nil {
		f = func(format string, args ...interface{}) { fmt.Printf(format, args...) }
	}
	logf = f
}

/// RelocateHigherHalf marks info's pointers as relocated. The hosted
/// simulation has no identity-mapped lower half to migrate out of (every
/// "pointer" here already lives in the Go heap); this records that the
/// step ran, matching boot_info_to_higher_half's contract so callers can
/// assert ordering (Free panics if called before this).
func (info *Info) RelocateHigherHalf() {
	info.relocated = true
}

/// HandOff gives the framebuffer and ACPI pointers to their external
/// collaborators (boot_info_to_higher_half's pointer fixups, minus the
/// higher-half math this simulation does not need).
func (info *Info) HandOff(fb Framebuffer, acpi ACPI) {
	if !info.relocated {
		panic("boot: HandOff called before RelocateHigherHalf")
	}
	if fb != nil {
		fb.Adopt(info.FramebufferPhys, info.FramebufferVirt, info.Width, info.Height, info.Pitch)
	}
	if acpi != nil {
		acpi.Adopt(info.RSDP)
	}
}

/// Free reclaims every RegionLoaderData region in info's memory map back
/// to the page-frame allocator (boot_info_free), and is idempotent.
func (info *Info) Free() {
	if !info.relocated {
		panic("boot: Free called before RelocateHigherHalf")
	}
	if info.freed {
		return
	}
	info.freed = true

	for _, r := range info.MemoryMap {
		if r.Type != RegionLoaderData {
			continue
		}
		logf("boot: free bootloader memory [pfn %d, %d pages]\n", r.Pfn, r.Pages)
		mem.Physmem.FreeRegion(r.Pfn, r.Pages)
	}
}

/// Bringup initialises every per-CPU subsystem for n booted CPUs, wires
/// the fixed vectors (spec.md §4.D/§6's layout: 0xFA shootdown, 0xFD
/// timer) onto percpu's common dispatch path, installs every external IRQ
/// vector, and hooks proc in as the policy behind note/syscall's leaf
/// hook variables. Called once during boot, after percpu.Boot(n CPUs).
/// armHook is the timer-arming collaborator clock has no device to reach
/// on its own (Non-goal: no real APIC timer backs this simulation).
func Bringup(n int, armHook clock.ArmHook) {
	rcu.Init(n)
	sched.Init(n)
	ipi.Init(n)
	clock.InitTimers(n, armHook)

	percpu.RegisterVector(percpu.VectorShootdown, ipi.Handler)
	percpu.RegisterVector(percpu.VectorTimer, func(c *percpu.Cpu_t, f *percpu.Frame_t) {
		clock.InterruptHandler(int(c.ID))
	})
	irq.InstallAll()
	ipi.RegisterChip(localChip{})
	proc.WireHooks()
}

// localChip is the local-dispatch stand-in for an APIC: raising an IPI
// runs ipi.Handler for the target CPU directly.
type localChip struct{}

func (localChip) Raise(target defs.Cpunum_t) { ipi.Handler(percpu.ByID(target), nil) }

/// Supervisor runs the fleet of simulated-CPU goroutines under a shared
/// errgroup so a fatal error on any CPU tears the whole fleet down
/// (spec.md has no single equivalent C file for this — a hosted
/// simulation needs some way to join CPU goroutines that bare-metal
/// hardware never does, since there is no second kernel process to
/// notice a core silently died).
type Supervisor struct {
	group *errgroup.Group
	ctx   context.Context
}

/// NewSupervisor creates a Supervisor bound to ctx; cancelling ctx (or
/// any CPU goroutine returning an error) stops every other CPU goroutine
/// at its next context check.
func NewSupervisor(ctx context.Context) *Supervisor {
	g, ctx := errgroup.WithContext(ctx)
	return &Supervisor{group: g, ctx: ctx}
}

/// Launch starts one goroutine per booted CPU, pinning it to its OS
/// thread and running run until ctx is cancelled or run returns an
/// error.
func (s *Supervisor) Launch(cpus []*percpu.Cpu_t, run func(ctx context.Context, c *percpu.Cpu_t) error) {
	for _, c := range cpus {
		c := c
		s.group.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return run(s.ctx, c)
		})
	}
}

/// Wait blocks until every launched CPU goroutine has returned, yielding
/// the first non-nil error (errgroup.Group.Wait).
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}
