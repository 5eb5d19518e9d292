package supervisor

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const ringBufferLines = 200

// childLog writes a managed process's stdout/stderr to an append-only,
// rotated log file, each line prefixed "[ISO8601] [STDOUT|STDERR]".
// Rotation (via lumberjack) only changes file lifecycle, not the
// per-line format. A bounded ring buffer of recent lines is kept in
// memory so the management console can display recent output without
// re-reading from disk.
type childLog struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	ring   []string
	ringAt int
}

func newChildLog(path string) *childLog {
	return &childLog{
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		},
		ring: make([]string, 0, ringBufferLines),
	}
}

func (l *childLog) Close() error {
	return l.file.Close()
}

// Writer returns a writer that tags every line it receives with stream
// before appending to the log file and the ring buffer.
func (l *childLog) Writer(stream string) *streamWriter {
	return &streamWriter{log: l, stream: stream}
}

func (l *childLog) appendLine(stream, line string) {
	prefixed := fmt.Sprintf("[%s] [%s] %s\n", time.Now().UTC().Format(time.RFC3339), stream, line)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.Write([]byte(prefixed))

	if len(l.ring) < ringBufferLines {
		l.ring = append(l.ring, prefixed)
	} else {
		l.ring[l.ringAt] = prefixed
		l.ringAt = (l.ringAt + 1) % ringBufferLines
	}
}

// Recent returns the last N buffered lines in chronological order.
func (l *childLog) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ring) < ringBufferLines {
		out := make([]string, len(l.ring))
		copy(out, l.ring)
		return out
	}
	out := make([]string, ringBufferLines)
	copy(out, l.ring[l.ringAt:])
	copy(out[ringBufferLines-l.ringAt:], l.ring[:l.ringAt])
	return out
}

// streamWriter adapts childLog to io.Writer per output stream, splitting
// arbitrary writes on newlines since a child may write partial lines
// across multiple Write calls. A trailing partial line stays buffered
// until its newline arrives (or Flush is called at child exit).
type streamWriter struct {
	log    *childLog
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buf[:i]), "\r")
		w.log.appendLine(w.stream, line)
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line. Called when the child exits so
// unterminated final output isn't lost.
func (w *streamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.log.appendLine(w.stream, string(w.buf))
		w.buf = nil
	}
}
