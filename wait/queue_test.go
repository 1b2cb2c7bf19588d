package wait

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patchworkos/defs"
)

func TestUnblockWakesFIFOOrder(t *testing.T) {
	var q Queue_t
	order := make(chan int, 2)

	for i := 0; i < 2; i++ {
		i := i
		go func() {
			Block(&q, 0)
			order <- i
		}()
		for Len(&q) != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	Unblock(&q, 1, 0)
	first := <-order
	require.Equal(t, 0, first)

	Unblock(&q, 1, 0)
	<-order
}

func TestBlockTimesOutWhenNeverWoken(t *testing.T) {
	var q Queue_t
	result, err := Block(&q, 10*time.Millisecond)
	require.Equal(t, ResultTimeout, result)
	require.Equal(t, defs.ETIMEDOUT, err)
	require.Zero(t, Len(&q))
}

func TestMutexIsRecursive(t *testing.T) {
	mtx := NewMutex()
	self := "thread-a"
	mtx.Acquire(self)
	mtx.Acquire(self)
	mtx.Release(self)
	mtx.Release(self)
}

func TestMutexSerializesAcrossGoroutines(t *testing.T) {
	mtx := NewMutex()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mtx.Acquire(i)
			counter++
			mtx.Release(i)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 20, counter)
}

func TestRWMutexAllowsConcurrentReaders(t *testing.T) {
	m := NewRWMutex()
	m.ReadAcquire()
	require.True(t, m.TryReadAcquire())
	m.ReadRelease()
	m.ReadRelease()
}

func TestRWMutexWriterExcludesReaders(t *testing.T) {
	m := NewRWMutex()
	m.WriteAcquire()
	require.False(t, m.TryReadAcquire())
	m.WriteRelease()
	require.True(t, m.TryReadAcquire())
	m.ReadRelease()
}
