package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var l Spinlock_t
	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 50*200, counter)
}

func TestSpinlockFIFOOrder(t *testing.T) {
	var l Spinlock_t
	l.Lock()

	const n = 8
	order := make(chan int, n)
	var ready sync.WaitGroup
	ready.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			my := atomic.AddUint32(&l.next, 1) - 1
			ready.Done()
			for atomic.LoadUint32(&l.serve) != my {
			}
			order <- int(my)
			atomic.AddUint32(&l.serve, 1)
		}(i)
	}
	ready.Wait()
	l.Unlock()

	// The main goroutine holds ticket 0, so waiters hold tickets 1..n and
	// must be served in exactly that order.
	seen := 0
	for i := 0; i < n; i++ {
		require.Equal(t, i+1, <-order)
		seen++
	}
	require.Equal(t, n, seen)
}

func TestRWLockAllowsConcurrentReaders(t *testing.T) {
	var l RWLock_t
	var active int32
	var maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			atomic.AddInt32(&active, -1)
			l.RUnlock()
		}()
	}
	wg.Wait()
	require.GreaterOrEqual(t, maxSeen, int32(1))
}

func TestRWLockWriterExclusion(t *testing.T) {
	var l RWLock_t
	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock()
			counter++
			l.Unlock()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 20, counter)
}

func TestSeqlockConsistentSnapshot(t *testing.T) {
	var sl Seqlock_t
	var a, b int64
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			sl.WriteBegin()
			a++
			b = a * 2
			sl.WriteEnd()
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		var av, bv int64
		sl.Read(func() {
			av = a
			bv = b
		})
		require.Equal(t, av*2, bv)
	}
}
