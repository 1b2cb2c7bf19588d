package rcu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func reset(n int) {
	cpus = nil
	once = sync.Once{}
	ack = nil
	grace = 0
	active = false
	IdleHook = nil
	WakeHook = nil
	Init(n)
}

func TestReadLockUnlockNoPanicWithoutBoundCPU(t *testing.T) {
	reset(1)
	ReadLock()
	ReadUnlock()
}

func TestCallbackRunsAfterQuiescentReports(t *testing.T) {
	reset(2)
	var ran int32
	Call(0, func(interface{}) { ran++ }, nil)

	for i := 0; i < 4; i++ {
		ReportQuiescent(0)
		ReportQuiescent(1)
	}
	require.Greater(t, int(ran), 0)
}

func TestSynchronizeReturnsOnceCallbackRuns(t *testing.T) {
	reset(2)
	done := make(chan struct{})
	go func() {
		Synchronize(0)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ReportQuiescent(0)
		ReportQuiescent(1)
		select {
		case <-done:
			return
		case <-time.After(time.Millisecond):
		}
	}
	t.Fatal("Synchronize never returned")
}
