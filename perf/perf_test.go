package perf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"patchworkos/percpu"
)

func TestSnapshotHasOneSamplePerCpu(t *testing.T) {
	cpus := percpu.Boot([]uint32{0, 1, 2})
	cpus[0].Perf.Syscalls = 5
	cpus[1].Perf.PageFaults = 3

	p := Snapshot()
	require.Len(t, p.Sample, len(cpus))
	require.Len(t, p.SampleType, len(counterNames))

	var total int64
	for _, s := range p.Sample {
		total += s.Value[2] // syscalls column
	}
	require.Equal(t, int64(5), total)
}

func TestWriteProducesNonEmptyGzip(t *testing.T) {
	percpu.Boot([]uint32{0})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf))
	require.NotZero(t, buf.Len())
}
