package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	precision uint64
	ns, epoch uint64
}

func (f *fakeSource) Precision() uint64 { return f.precision }
func (f *fakeSource) UptimeNs() uint64  { return f.ns }
func (f *fakeSource) EpochNs() uint64   { return f.epoch }

func resetSources() {
	sourcesMu.Lock()
	sources = nil
	bestNs, bestEpoch = nil, nil
	sourcesMu.Unlock()
}

func TestBestSourcePicksLowestPrecision(t *testing.T) {
	resetSources()
	RegisterSource("coarse", &fakeSource{precision: 1000, ns: 1})
	RegisterSource("fine", &fakeSource{precision: 10, ns: 2})
	require.Equal(t, uint64(2), Uptime())
}

func TestUnregisterSourceFallsBackToRemaining(t *testing.T) {
	resetSources()
	RegisterSource("coarse", &fakeSource{precision: 1000, ns: 1})
	RegisterSource("fine", &fakeSource{precision: 10, ns: 2})
	UnregisterSource("fine")
	require.Equal(t, uint64(1), Uptime())
}

func TestUptimePanicsWithNoSourceRegistered(t *testing.T) {
	resetSources()
	require.Panics(t, func() { Uptime() })
}

func TestOneShotObeysEarliestDeadlineWins(t *testing.T) {
	var mu sync.Mutex
	armed := map[int]uint64{}
	InitTimers(1, func(cpu int, deadline uint64) {
		mu.Lock()
		armed[cpu] = deadline
		mu.Unlock()
	})

	require.Equal(t, uint64(100), OneShot(0, 0, 100))
	require.Equal(t, uint64(100), OneShot(0, 0, 200), "later deadline must not override the earlier one")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(100), armed[0])
}

func TestInterruptHandlerResetsDeadlineAndFiresCallbacks(t *testing.T) {
	InitTimers(1, func(int, uint64) {})
	var fired bool
	RegisterCallback(0, func() { fired = true })
	OneShot(0, 0, 50)

	InterruptHandler(0)
	require.True(t, fired)
	require.Equal(t, Never, OneShot(0, 0, Never))
}
