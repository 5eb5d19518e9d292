package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLog_LinePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	l := newChildLog(path)
	defer l.Close()

	w := l.Writer("STDOUT")
	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	line := strings.TrimSpace(string(raw))
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\] \[STDOUT\] hello$`, line)
}

func TestChildLog_PartialWrites(t *testing.T) {
	l := newChildLog(filepath.Join(t.TempDir(), "api.log"))
	defer l.Close()

	w := l.Writer("STDERR")
	w.Write([]byte("par"))
	w.Write([]byte("tial line\nsecond"))

	recent := l.Recent()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "partial line")

	w.Flush()
	recent = l.Recent()
	require.Len(t, recent, 2)
	assert.Contains(t, recent[1], "second")
}

func TestChildLog_RingBufferWraps(t *testing.T) {
	l := newChildLog(filepath.Join(t.TempDir(), "api.log"))
	defer l.Close()

	w := l.Writer("STDOUT")
	for i := 0; i < ringBufferLines+10; i++ {
		w.Write([]byte("line\n"))
	}

	recent := l.Recent()
	assert.Len(t, recent, ringBufferLines)
}

func TestChildLog_CRLFStripped(t *testing.T) {
	l := newChildLog(filepath.Join(t.TempDir(), "api.log"))
	defer l.Close()

	l.Writer("STDOUT").Write([]byte("windows line\r\n"))

	recent := l.Recent()
	require.Len(t, recent, 1)
	assert.Contains(t, recent[0], "windows line")
	assert.NotContains(t, recent[0], "\r")
}
