package proc

import (
	"strconv"
	"strings"
	"sync"

	"patchworkos/defs"
	"patchworkos/note"
)

// sysfs.go implements the generic name -> read/write callback registry
// original_source's include/kernel/fs/sysfs.h describes (SPEC_FULL.md §3
// "/proc tree as a first-class syscall surface"): the
// /proc/[pid]/{prio,cwd,cmdline,note,wait} files spec.md §6 names are all
// instances of this one mechanism rather than bespoke syscall handlers.

/// ProcReader renders a /proc/[pid]/<name> file's contents for p.
type ProcReader func(p *Process_t) ([]byte, defs.Err_t)

/// ProcWriter applies a write to a /proc/[pid]/<name> file; nil for
/// read-only files.
type ProcWriter func(p *Process_t, data []byte) defs.Err_t

type procFile_t struct {
	read  ProcReader
	write ProcWriter
}

var (
	sysfsMu sync.Mutex
	sysfs   = map[string]procFile_t{}
)

/// RegisterProcFile installs the read/write callbacks for a /proc/[pid]/name
/// file (sysfs_register). write may be nil for a read-only file.
func RegisterProcFile(name string, read ProcReader, write ProcWriter) {
	sysfsMu.Lock()
	defer sysfsMu.Unlock()
	sysfs[name] = procFile_t{read: read, write: write}
}

/// ReadProcFile renders the named /proc/[pid]/name file for p, ENOENT if no
/// such file is registered.
func ReadProcFile(p *Process_t, name string) ([]byte, defs.Err_t) {
	sysfsMu.Lock()
	f, ok := sysfs[name]
	sysfsMu.Unlock()
	if !ok || f.read == nil {
		return nil, defs.ENOENT
	}
	return f.read(p)
}

/// WriteProcFile applies data to the named /proc/[pid]/name file for p,
/// ENOENT if unregistered or EPERM if the file is read-only.
func WriteProcFile(p *Process_t, name string, data []byte) defs.Err_t {
	sysfsMu.Lock()
	f, ok := sysfs[name]
	sysfsMu.Unlock()
	if !ok {
		return defs.ENOENT
	}
	if f.write == nil {
		return defs.EPERM
	}
	return f.write(p, data)
}

func init() {
	RegisterProcFile("prio",
		func(p *Process_t) ([]byte, defs.Err_t) {
			return []byte(strconv.Itoa(p.Priority)), 0
		},
		func(p *Process_t, data []byte) defs.Err_t {
			n, err := strconv.Atoi(strings.TrimSpace(string(data)))
			if err != nil {
				return defs.EINVAL
			}
			p.Priority = n
			return 0
		})

	RegisterProcFile("cwd",
		func(p *Process_t) ([]byte, defs.Err_t) {
			p.cwdMu.Lock()
			defer p.cwdMu.Unlock()
			return []byte(p.Cwd), 0
		},
		func(p *Process_t, data []byte) defs.Err_t {
			p.cwdMu.Lock()
			p.Cwd = string(data)
			p.cwdMu.Unlock()
			return 0
		})

	RegisterProcFile("cmdline",
		func(p *Process_t) ([]byte, defs.Err_t) {
			return []byte(strings.Join(p.Cmdline, "\x00")), 0
		}, nil)

	RegisterProcFile("wait",
		func(p *Process_t) ([]byte, defs.Err_t) {
			return []byte(strconv.FormatUint(p.Status(), 10)), 0
		}, nil)

	RegisterProcFile("note",
		func(p *Process_t) ([]byte, defs.Err_t) {
			p.threadsMu.Lock()
			var any *Thread_t
			for _, t := range p.threads {
				any = t
				break
			}
			p.threadsMu.Unlock()
			if any == nil {
				return nil, defs.ENOENT
			}
			pending, ok := note.Peek(&any.Notes)
			if !ok {
				return nil, defs.ENOENT
			}
			return []byte(strconv.Itoa(int(pending.Sender)) + ":" + string(pending.Buffer)), 0
		},
		func(p *Process_t, data []byte) defs.Err_t {
			p.threadsMu.Lock()
			var any *Thread_t
			for _, t := range p.threads {
				any = t
				break
			}
			p.threadsMu.Unlock()
			if any == nil {
				return defs.ENOENT
			}
			return note.Write(&any.Notes, p.ID, data)
		})
}
