// Package note implements signal-style IPC (spec.md §4.O), grounded on
// original_source's src/kernel/ipc/note.c and
// include/kernel/ipc/note.h: a fixed-capacity per-thread ring buffer plus
// the "kill" fast path that bypasses the ring entirely.
package note

import (
	"bytes"
	"sync"

	"patchworkos/defs"
	"patchworkos/percpu"
)

/// MaxBuffer is the note buffer size (NOTE_MAX_BUFFER); Write accepts
/// payloads shorter than MaxBuffer.
const MaxBuffer = 64

/// MaxNotes is the ring capacity (CONFIG_MAX_NOTES); oldest note is
/// overwritten once full, matching note_queue_write's drop-oldest policy.
const MaxNotes = 8

const queueReceivedKill uint32 = 1 << 0

type note_t struct {
	buffer [MaxBuffer]byte
	length int
	sender defs.Pid_t
}

/// Queue_t is one thread's note queue (note_queue_t). Zero value ready.
type Queue_t struct {
	mu         sync.Mutex
	notes      [MaxNotes]note_t
	readIndex  int
	writeIndex int
	length     int
	flags      uint32
}

/// Length reports the number of pending notes, counting a received kill
/// as one (note_queue_length).
func Length(q *Queue_t) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.length
	if q.flags&queueReceivedKill != 0 {
		n++
	}
	return n
}

/// Write enqueues buffer as a note from sender (note_queue_write). A
/// payload exactly equal to "kill" never enters the ring: it sets a flag
/// instead, so a kill is never lost even under memory pressure.
func Write(q *Queue_t, sender defs.Pid_t, buffer []byte) defs.Err_t {
	if len(buffer) == 0 || len(buffer) >= MaxBuffer {
		return defs.EINVAL
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if bytes.Equal(buffer, []byte("kill")) {
		q.flags |= queueReceivedKill
		return 0
	}

	var n *note_t
	if q.length == MaxNotes {
		n = &q.notes[q.readIndex]
		q.readIndex = (q.readIndex + 1) % MaxNotes
		q.writeIndex = q.readIndex
	} else {
		n = &q.notes[q.writeIndex]
		q.writeIndex = (q.writeIndex + 1) % MaxNotes
		q.length++
	}
	copy(n.buffer[:], buffer)
	n.length = len(buffer)
	n.sender = sender
	return 0
}

/// Pending is one dequeued note, surfaced to /proc/[pid]/note readers
/// (SPEC_FULL.md §3 "note sender bookkeeping").
type Pending struct {
	Buffer []byte
	Sender defs.Pid_t
}

// KillHandler is invoked when a queue's kill flag is observed; it must
// kill the owning process and mark its thread dying. Wired by package
// proc at boot to avoid note importing proc (percpu-style hook
// indirection).
var KillHandler func(c *percpu.Cpu_t)

// UnknownHandler is invoked for any note this package does not itself
// special-case; the original logs and leaves room for a future
// software-interrupt delivery mechanism (note.c: "TODO: Software
// interrupts.").
var UnknownHandler func(p Pending)

/// Peek returns the oldest pending note without dequeuing it, backing the
/// read-only /proc/[pid]/note surface (SPEC_FULL.md §3 "note sender
/// bookkeeping"); ok is false if nothing is queued.
func Peek(q *Queue_t) (Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return Pending{}, false
	}
	n := q.notes[q.readIndex]
	return Pending{Buffer: append([]byte(nil), n.buffer[:n.length]...), Sender: n.sender}, true
}

/// HandlePending drains q for the thread currently running on c,
// matching note_handle_pending: a pending kill takes priority and marks
// the CPU dying rather than delivering any queued note.
func HandlePending(c *percpu.Cpu_t, q *Queue_t) {
	q.mu.Lock()
	if q.flags&queueReceivedKill != 0 {
		q.mu.Unlock()
		if KillHandler != nil {
			KillHandler(c)
		}
		return
	}

	for {
		if q.length == 0 {
			q.mu.Unlock()
			return
		}
		n := q.notes[q.readIndex]
		q.readIndex = (q.readIndex + 1) % MaxNotes
		q.length--
		q.mu.Unlock()

		if UnknownHandler != nil {
			UnknownHandler(Pending{Buffer: append([]byte(nil), n.buffer[:n.length]...), Sender: n.sender})
		}
		q.mu.Lock()
	}
}
