package proc

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcFilePrioRoundTrips(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 3)

	data, err := ReadProcFile(p, "prio")
	require.Zero(t, err)
	require.Equal(t, "3", string(data))

	require.Zero(t, WriteProcFile(p, "prio", []byte("7")))
	require.Equal(t, 7, p.Priority)
}

func TestProcFileCwdRoundTrips(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)

	require.Zero(t, WriteProcFile(p, "cwd", []byte("/usr/bin")))
	data, err := ReadProcFile(p, "cwd")
	require.Zero(t, err)
	require.Equal(t, "/usr/bin", string(data))
}

func TestProcFileUnknownNameReturnsENOENT(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)

	_, err := ReadProcFile(p, "does-not-exist")
	require.NotZero(t, err)
}

func TestProcFileCmdlineIsReadOnly(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	p.Cmdline = []string{"/bin/init", "-v"}

	data, err := ReadProcFile(p, "cmdline")
	require.Zero(t, err)
	require.Equal(t, "/bin/init\x00-v", string(data))

	require.NotZero(t, WriteProcFile(p, "cmdline", []byte("x")))
}

func TestProcFileNoteSurfacesSenderAndPayload(t *testing.T) {
	resetAll(t, 1)
	p := New(nil, 0)
	p.NewThread(0, nil)

	require.Zero(t, WriteProcFile(p, "note", []byte("hello")))

	data, err := ReadProcFile(p, "note")
	require.Zero(t, err)
	require.Equal(t, strconv.Itoa(int(p.ID))+":hello", string(data))
}
