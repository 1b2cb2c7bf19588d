package boot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchworkos/clock"
	"patchworkos/ipi"
	"patchworkos/mem"
	"patchworkos/percpu"
)

// fakeClock is the time source Bringup's dispatch path needs: the
// scheduler hook arms its slice against clock.Uptime, which panics with
// no source registered.
type fakeClock struct{}

func (fakeClock) Precision() uint64 { return 1 }
func (fakeClock) UptimeNs() uint64  { return 0 }
func (fakeClock) EpochNs() uint64   { return 0 }

type fakeFramebuffer struct{ adopted bool }

func (f *fakeFramebuffer) Adopt(physAddr, virtAddr uintptr, w, h, pitch uint32) { f.adopted = true }

type fakeACPI struct{ rsdp uintptr }

func (a *fakeACPI) Adopt(rsdp uintptr) { a.rsdp = rsdp }

func TestHandOffPanicsBeforeRelocate(t *testing.T) {
	info := &Info{}
	require.Panics(t, func() { info.HandOff(&fakeFramebuffer{}, &fakeACPI{}) })
}

func TestHandOffAdoptsCollaborators(t *testing.T) {
	info := &Info{RSDP: 0xdead}
	info.RelocateHigherHalf()

	fb := &fakeFramebuffer{}
	acpi := &fakeACPI{}
	info.HandOff(fb, acpi)

	require.True(t, fb.adopted)
	require.Equal(t, uintptr(0xdead), acpi.rsdp)
}

func TestFreeReclaimsOnlyLoaderDataRegions(t *testing.T) {
	mem.Physmem = &mem.Physmem_t{}
	mem.Phys_init(64)
	pfn, ok := mem.Physmem.Alloc()
	require.True(t, ok)
	_, freeBefore := mem.Physmem.Pgcount()

	info := &Info{MemoryMap: []Region{
		{Pfn: pfn, Pages: 1, Type: RegionLoaderData},
		{Pfn: 0, Pages: 0, Type: RegionRuntimeServices},
	}}
	info.RelocateHigherHalf()
	info.Free()
	info.Free() // idempotent

	_, freeAfter := mem.Physmem.Pgcount()
	require.Equal(t, freeBefore+1, freeAfter)
}

func TestBringupWiresShootdownVectorEndToEnd(t *testing.T) {
	clock.RegisterSource("boot-test", fakeClock{})
	defer clock.UnregisterSource("boot-test")

	cpus := percpu.Boot([]uint32{0, 1})
	Bringup(len(cpus), func(cpu int, deadlineNs uint64) {})
	require.NotNil(t, percpu.SchedHook)

	var ran bool
	require.Zero(t, ipi.Send(0, 0, ipi.Single, func(interface{}) { ran = true }, nil))

	f := &percpu.Frame_t{Vector: uint64(percpu.VectorShootdown), Rflags: 1 << 9}
	percpu.Dispatch(cpus[0], f)
	require.True(t, ran)
}

func TestSupervisorStopsFleetOnFirstError(t *testing.T) {
	cpus := percpu.Boot([]uint32{0, 1, 2})
	sup := NewSupervisor(context.Background())

	sup.Launch(cpus, func(ctx context.Context, c *percpu.Cpu_t) error {
		if c.ID == 1 {
			return errors.New("cpu 1 faulted")
		}
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop the fleet after one CPU errored")
	}
}
