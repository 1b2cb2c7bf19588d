package vm

import (
	"patchworkos/defs"
	"patchworkos/mem"
)

/// Userbuf_t assists the syscall plane in copying to/from user memory a
/// chunk at a time, across however many pages the range spans. Every
/// access is atomic with respect to a concurrent page fault because the
/// space lock is held while each chunk is copied; it is dropped only
/// while HandleFault services a missing page, before the copy.
type Userbuf_t struct {
	userva uintptr
	length int
	off    int
	as     *Space_t
}

/// NewUserbuf initialises a buffer over [uva, uva+length) in as.
func NewUserbuf(as *Space_t, uva uintptr, length int) *Userbuf_t {
	return &Userbuf_t{userva: uva, length: length, as: as}
}

/// Remain reports the number of bytes left to transfer.
func (ub *Userbuf_t) Remain() int { return ub.length - ub.off }

// byteSlice returns a []byte view of the page containing va, offset to va,
// installing a fresh page first if write is requested against an
// unmapped-but-growable stack address (spec.md §4.B step 1).
func (ub *Userbuf_t) byteSlice(va uintptr, write bool) ([]byte, defs.Err_t) {
	ub.as.Lockassert_pmap()
	pfn, err := ub.as.lookupLocked(va)
	if err != 0 {
		// HandleFault takes the space lock itself.
		ub.as.Unlock_pmap()
		outcome, ferr := ub.as.HandleFault(va, write, true)
		ub.as.Lock_pmap()
		if outcome != FaultHandled {
			return nil, ferr
		}
		pfn, err = ub.as.lookupLocked(va)
		if err != 0 {
			return nil, err
		}
	}
	voff := int(va % mem.PGSIZE)
	return mem.Physmem.Bytes(pfn, mem.PGSIZE)[voff:], 0
}

/// CopyFromUser copies len(dst) bytes starting at the buffer's current
/// offset out of user memory into dst, returning bytes copied and an
/// error. A bad pointer returns defs.EFAULT rather than panicking
/// (spec.md §4.N, §7).
func (ub *Userbuf_t) CopyFromUser(dst []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(dst, false)
}

/// CopyToUser writes src into user memory the same way.
func (ub *Userbuf_t) CopyToUser(src []uint8) (int, defs.Err_t) {
	ub.as.Lock_pmap()
	defer ub.as.Unlock_pmap()
	return ub.tx(src, true)
}

func (ub *Userbuf_t) tx(buf []uint8, write bool) (int, defs.Err_t) {
	ret := 0
	for len(buf) != 0 && ub.off != ub.length {
		va := ub.userva + uintptr(ub.off)
		chunk, err := ub.byteSlice(va, write)
		if err != 0 {
			return ret, err
		}
		if end := ub.off + len(chunk); end > ub.length {
			chunk = chunk[:ub.length-ub.off]
		}
		var c int
		if write {
			c = copy(chunk, buf)
		} else {
			c = copy(buf, chunk)
		}
		buf = buf[c:]
		ub.off += c
		ret += c
	}
	return ret, 0
}

/// CopyFromUserAt is a one-shot helper for small, known-size reads (the
/// futex and syscall-argument paths): it does not require constructing a
/// Userbuf_t.
func CopyFromUserAt(as *Space_t, va uintptr, dst []uint8) defs.Err_t {
	ub := NewUserbuf(as, va, len(dst))
	n, err := ub.CopyFromUser(dst)
	if err != 0 {
		return err
	}
	if n != len(dst) {
		return defs.EFAULT
	}
	return 0
}

/// CopyToUserAt is the write-side counterpart of CopyFromUserAt.
func CopyToUserAt(as *Space_t, va uintptr, src []uint8) defs.Err_t {
	ub := NewUserbuf(as, va, len(src))
	n, err := ub.CopyToUser(src)
	if err != 0 {
		return err
	}
	if n != len(src) {
		return defs.EFAULT
	}
	return 0
}
