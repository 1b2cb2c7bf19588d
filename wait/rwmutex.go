package wait

/// RWMutex_t is a writer-preferring, non-recursive blocking RW mutex
/// (spec.md §4.K), grounded on include/kernel/sync/rwmutex.h: separate
/// reader/writer wait queues, an active-reader count, and a waiting-writer
/// count so new readers queue up behind any pending writer.
type RWMutex_t struct {
	mu             rawSpin
	readerQueue    Queue_t
	writerQueue    Queue_t
	activeReaders  uint16
	waitingWriters uint16
	hasWriter      bool
}

/// NewRWMutex returns a ready-to-use RWMutex_t.
func NewRWMutex() *RWMutex_t {
	return &RWMutex_t{mu: rawSpin{ch: make(chan struct{}, 1)}}
}

/// ReadAcquire blocks until a read acquisition is granted. Blocked behind
/// any writer already waiting (writer preference).
func (m *RWMutex_t) ReadAcquire() {
	m.mu.lock()
	BlockLock(&m.readerQueue, &m.mu, func() bool {
		return !m.hasWriter && m.waitingWriters == 0
	}, 0)
	m.activeReaders++
	m.mu.unlock()
}

/// TryReadAcquire acquires for reading only if it can do so immediately.
func (m *RWMutex_t) TryReadAcquire() bool {
	m.mu.lock()
	defer m.mu.unlock()
	if m.hasWriter || m.waitingWriters != 0 {
		return false
	}
	m.activeReaders++
	return true
}

/// ReadRelease releases one reader; wakes a waiting writer once the last
/// reader drains.
func (m *RWMutex_t) ReadRelease() {
	m.mu.lock()
	m.activeReaders--
	if m.activeReaders == 0 && m.waitingWriters > 0 {
		Unblock(&m.writerQueue, 1, 0)
	}
	m.mu.unlock()
}

/// WriteAcquire blocks until exclusive access is granted.
func (m *RWMutex_t) WriteAcquire() {
	m.mu.lock()
	m.waitingWriters++
	BlockLock(&m.writerQueue, &m.mu, func() bool {
		return !m.hasWriter && m.activeReaders == 0
	}, 0)
	m.waitingWriters--
	m.hasWriter = true
	m.mu.unlock()
}

/// TryWriteAcquire acquires for writing only if it can do so immediately.
func (m *RWMutex_t) TryWriteAcquire() bool {
	m.mu.lock()
	defer m.mu.unlock()
	if m.hasWriter || m.activeReaders != 0 {
		return false
	}
	m.hasWriter = true
	return true
}

/// WriteRelease releases exclusive access, preferring to wake a waiting
/// writer over readers (spec.md §8 writer-preference carried from
/// package lock's RWLock_t into the blocking variant).
func (m *RWMutex_t) WriteRelease() {
	m.mu.lock()
	m.hasWriter = false
	if m.waitingWriters > 0 {
		Unblock(&m.writerQueue, 1, 0)
	} else {
		UnblockAll(&m.readerQueue, 0)
	}
	m.mu.unlock()
}
