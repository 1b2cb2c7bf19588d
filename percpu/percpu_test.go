package percpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisableEnableNesting(t *testing.T) {
	c := &Cpu_t{exceptionStack: newStack(1), doubleFaultStack: newStack(1), interruptStack: newStack(1)}

	c.Disable(true)
	require.True(t, c.Disabled())
	c.Disable(false) // nested call; outer IF state wins
	require.False(t, c.Enable())
	require.True(t, c.Enable())
	require.False(t, c.Disabled())
}

func TestEnableUnderflowPanics(t *testing.T) {
	c := &Cpu_t{exceptionStack: newStack(1), doubleFaultStack: newStack(1), interruptStack: newStack(1)}
	require.Panics(t, func() { c.Enable() })
}

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	c := &Cpu_t{exceptionStack: newStack(1), doubleFaultStack: newStack(1), interruptStack: newStack(1)}
	var order []int
	RegisterVector(Vector(0x99), func(c *Cpu_t, f *Frame_t) { order = append(order, 1) })
	RegisterVector(Vector(0x99), func(c *Cpu_t, f *Frame_t) { order = append(order, 2) })

	f := &Frame_t{Vector: 0x99, Rflags: rflagsIF}
	Dispatch(c, f)
	require.Equal(t, []int{1, 2}, order)
}

func TestDispatchPanicsOnClearedIF(t *testing.T) {
	c := &Cpu_t{exceptionStack: newStack(1), doubleFaultStack: newStack(1), interruptStack: newStack(1)}
	f := &Frame_t{Vector: 0x1, Rflags: 0}
	require.Panics(t, func() { Dispatch(c, f) })
}

func TestDispatchPanicsOnCanaryCorruption(t *testing.T) {
	c := &Cpu_t{exceptionStack: newStack(1), doubleFaultStack: newStack(1), interruptStack: newStack(1)}
	c.interruptStack.canary = 0
	f := &Frame_t{Vector: 0x1, Rflags: rflagsIF}
	require.Panics(t, func() { Dispatch(c, f) })
}

func TestBindAndCurrent(t *testing.T) {
	Boot([]uint32{0, 1})
	c := ByID(0)
	BindCurrent(c)
	require.Equal(t, c, Current())
}
