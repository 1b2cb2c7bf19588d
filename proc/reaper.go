package proc

import (
	"sync"
	"time"
)

// reaperInterval is CONFIG_PROCESS_REAPER_INTERVAL: how often the reaper
// sweeps zombies looking for ones whose threads have all truly exited.
const reaperInterval = time.Second

var (
	zombiesMu sync.Mutex
	zombies   []*Process_t
	reaperOn  sync.Once
)

// reaperPush files p onto the zombie list once its last thread has left
// (reaper_push); the loop StartReaper launches sweeps it, dropping the
// list's reference once the process has no threads left.
func reaperPush(p *Process_t) {
	zombiesMu.Lock()
	zombies = append(zombies, Ref(p))
	zombiesMu.Unlock()
}

/// StartReaper launches the background goroutine that periodically sweeps
/// zombie processes and drops their final reference once every thread has
/// truly exited (reaper_thread/reaper_init). Safe to call more than once;
/// only the first call starts the loop.
func StartReaper() {
	reaperOn.Do(func() {
		go reaperLoop()
	})
}

func reaperLoop() {
	for {
		time.Sleep(reaperInterval)
		sweep()
	}
}

func sweep() {
	zombiesMu.Lock()
	pending := zombies
	zombies = nil
	zombiesMu.Unlock()

	var stillWaiting []*Process_t
	for _, p := range pending {
		if p.ThreadCount() > 0 {
			stillWaiting = append(stillWaiting, p)
			continue
		}
		Unref(p)
	}

	if len(stillWaiting) > 0 {
		zombiesMu.Lock()
		zombies = append(zombies, stillWaiting...)
		zombiesMu.Unlock()
	}
}
