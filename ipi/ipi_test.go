package ipi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"patchworkos/defs"
	"patchworkos/percpu"
)

type fakeChip struct{ raised []defs.Cpunum_t }

func (c *fakeChip) Raise(target defs.Cpunum_t) { c.raised = append(c.raised, target) }

func reset(n int) *fakeChip {
	Init(n)
	chip = nil
	logf = nil
	c := &fakeChip{}
	RegisterChip(c)
	return c
}

func TestSendSingleQueuesAndRaisesOneCPU(t *testing.T) {
	reset(4)
	var ran interface{}
	err := Send(0, 2, Single, func(p interface{}) { ran = p }, "payload")
	require.Zero(t, err)

	Handler(&percpu.Cpu_t{ID: 2}, nil)
	require.Equal(t, "payload", ran)
}

func TestSendBroadcastReachesEveryCPU(t *testing.T) {
	reset(3)
	var count int
	Send(0, 0, Broadcast, func(interface{}) { count++ }, nil)
	for i := 0; i < 3; i++ {
		Handler(&percpu.Cpu_t{ID: defs.Cpunum_t(i)}, nil)
	}
	require.Equal(t, 3, count)
}

func TestSendOthersExcludesSender(t *testing.T) {
	reset(3)
	var ran []defs.Cpunum_t
	Send(1, 0, Others, func(interface{}) {}, nil)
	for i := 0; i < 3; i++ {
		before := len(rings[i].drain())
		if before > 0 {
			ran = append(ran, defs.Cpunum_t(i))
		}
	}
	require.NotContains(t, ran, defs.Cpunum_t(1))
	require.Len(t, ran, 2)
}

func TestSendReturnsEBUSYWhenRingFull(t *testing.T) {
	reset(1)
	for i := 0; i < queueSize; i++ {
		require.Zero(t, Send(1, 0, Single, nil, nil))
	}
	require.Equal(t, defs.EBUSY, Send(1, 0, Single, nil, nil))
}

func TestSendReturnsENODEVWithNoChipRegistered(t *testing.T) {
	Init(1)
	chip = nil
	require.Equal(t, defs.ENODEV, Send(0, 0, Single, nil, nil))
}

func TestWakeUpIsFunctionLess(t *testing.T) {
	c := reset(2)
	require.Zero(t, WakeUp(1))
	require.Contains(t, c.raised, defs.Cpunum_t(1))
}
