// Package irq implements the external-interrupt framework of spec.md
// §4.E, grounded on original_source/include/kernel/cpu/irq.h: a static
// table of virtual IRQ numbers (the vector layout spec.md §4.D already
// reserves 0x20-0xF9 for), a physical-to-virtual redirection table one
// chip installs itself into, and a bounded callback list per virtual IRQ.
package irq

import (
	"sync"

	"patchworkos/defs"
	"patchworkos/percpu"
)

/// Phys_t identifies a hardware-assigned IRQ line (irq_phys_t); its
/// numbering is chip-specific and opaque to this package.
type Phys_t uint32

/// Virt_t is a statically kernel-defined IRQ identity, assigned to a
/// fixed interrupt vector the way irq.h's irq_virt_t enum does.
type Virt_t uint8

// Vector layout, matching irq.h and spec.md §4.D exactly: the external
// range runs 0x20-0xF9, leaving 0xFA-0xFE for the fixed vectors percpu
// already reserves.
const (
	VirtFirst Virt_t = 0x20
	VirtLast  Virt_t = 0xF9
)

const maxCallbacks = 16 // IRQ_MAX_CALLBACK

/// Callback is one handler chained onto a virtual IRQ.
type Callback func(data interface{})

type callback_t struct {
	fn   Callback
	data interface{}
}

type handler_t struct {
	callbacks  [maxCallbacks]callback_t
	amount     int
	redirected Phys_t
	hasRedir   bool
}

/// Chip is the hardware-specific collaborator a platform driver would
/// implement (spec.md §1 "external collaborators whose interfaces we
/// define but whose internals we do not specify"); this repo never
/// implements a real one (Non-goals: APIC/PIC), only the dispatch table
/// above it.
type Chip interface {
	Enable(phys Phys_t)
	Disable(phys Phys_t)
	Ack(phys Phys_t)
	Eoi(phys Phys_t)
}

var (
	mu       sync.RWMutex
	handlers = map[Virt_t]*handler_t{}
	physToVirt = map[Phys_t]Virt_t{}
	chip     Chip
)

/// RegisterChip installs the single active IRQ chip, returning EBUSY if
/// one is already registered (mirrors ipi's single-chip-registration
/// discipline, the pattern irq.h's phys/virt split implies a real driver
/// would follow).
func RegisterChip(c Chip) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	if chip != nil {
		return defs.EBUSY
	}
	chip = c
	return 0
}

/// Install chains fn onto virt, redirecting phys to it on the chip if one
/// is registered (irq_install). Returns ENOSPC if virt's callback list is
/// already full.
func Install(phys Phys_t, virt Virt_t, fn Callback, data interface{}) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	h, ok := handlers[virt]
	if !ok {
		h = &handler_t{}
		handlers[virt] = h
	}
	if h.amount >= maxCallbacks {
		return defs.ENOSPC
	}
	h.callbacks[h.amount] = callback_t{fn, data}
	h.amount++
	h.redirected = phys
	h.hasRedir = true
	physToVirt[phys] = virt

	if chip != nil {
		chip.Enable(phys)
	}
	return 0
}

/// Uninstall removes every callback chained onto virt and disables the
/// redirected physical line, if any.
func Uninstall(virt Virt_t) {
	mu.Lock()
	defer mu.Unlock()
	h, ok := handlers[virt]
	if !ok {
		return
	}
	if h.hasRedir {
		if chip != nil {
			chip.Disable(h.redirected)
		}
		delete(physToVirt, h.redirected)
	}
	delete(handlers, virt)
}

/// Dispatch runs every callback chained onto virt, acking and EOI-ing the
/// chip around them (irq_dispatch). Registered with percpu.RegisterVector
/// at boot for each vector in [VirtFirst, VirtLast].
func Dispatch(c *percpu.Cpu_t, f *percpu.Frame_t) {
	virt := Virt_t(f.Vector)

	mu.RLock()
	h, ok := handlers[virt]
	mu.RUnlock()
	if !ok {
		return
	}

	if chip != nil && h.hasRedir {
		chip.Ack(h.redirected)
	}

	mu.RLock()
	cbs := append([]callback_t(nil), h.callbacks[:h.amount]...)
	mu.RUnlock()
	for _, cb := range cbs {
		cb.fn(cb.data)
	}

	if chip != nil && h.hasRedir {
		chip.Eoi(h.redirected)
	}
}

/// InstallAll registers Dispatch with package percpu for the entire
/// external vector range; called once at boot.
func InstallAll() {
	for v := VirtFirst; v <= VirtLast; v++ {
		percpu.RegisterVector(percpu.Vector(v), Dispatch)
	}
}
