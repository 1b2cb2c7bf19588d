// Package perf exports the per-CPU accounting spec.md §4.N already kept
// in percpu.Cpu_t.Perf (scheduler switches, page faults, syscalls) as a
// pprof profile, the surface SPEC_FULL.md §2's domain-stack section
// wires up for github.com/google/pprof: one sample per CPU, one value
// column per counter, so `go tool pprof` can be pointed at a dump taken
// from /proc/[pid]/perf (spec.md §6).
package perf

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"patchworkos/percpu"
)

var counterNames = []string{"sched_switches", "page_faults", "syscalls"}

/// Snapshot builds a profile.Profile with one Sample per live CPU,
/// labelled by its Cpunum_t, and one value per counter in counterNames.
func Snapshot() *profile.Profile {
	cpus := percpu.All()

	sampleType := make([]*profile.ValueType, len(counterNames))
	for i, n := range counterNames {
		sampleType[i] = &profile.ValueType{Type: n, Unit: "count"}
	}

	p := &profile.Profile{
		SampleType: sampleType,
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "count"},
		Period:     1,
	}

	for _, c := range cpus {
		loc := &profile.Location{
			ID: uint64(c.ID) + 1,
			Line: []profile.Line{{
				Function: &profile.Function{
					ID:   uint64(c.ID) + 1,
					Name: fmt.Sprintf("cpu%d", c.ID),
				},
			}},
		}
		p.Function = append(p.Function, loc.Line[0].Function)
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(c.Perf.SchedSwitches), int64(c.Perf.PageFaults), int64(c.Perf.Syscalls)},
			Location: []*profile.Location{loc},
			Label:    map[string][]string{"cpu": {fmt.Sprintf("%d", c.ID)}},
		})
	}

	return p
}

/// Write serialises the current perf snapshot in pprof's gzip-compressed
/// wire format, the body served by the /proc/[pid]/perf file.
func Write(w io.Writer) error {
	return Snapshot().Write(w)
}
