package runner

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// lockedWriter serialises writes; SSH copies stdout and stderr from
// separate goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// prefixWriter prefixes every output line with a fixed label, e.g. "[forge@web-1]: ".
type prefixWriter struct {
	w       io.Writer
	prefix  []byte
	midLine bool
}

func newPrefixWriter(w io.Writer, prefix string) *prefixWriter {
	return &prefixWriter{w: w, prefix: []byte(prefix)}
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	for _, line := range bytes.SplitAfter(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !pw.midLine {
			buf.Write(pw.prefix)
		}
		buf.Write(line)
		pw.midLine = line[len(line)-1] != '\n'
	}
	if _, err := pw.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush terminates a trailing partial line.
func (pw *prefixWriter) Flush() {
	if pw.midLine {
		_, _ = pw.w.Write([]byte("\n"))
		pw.midLine = false
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	if tb.max <= 0 {
		return len(p), nil
	}
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.max; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
		tb.truncated = true
	}
	return len(p), nil
}

// String returns the retained output.
func (tb *tailBuffer) String() string {
	return string(tb.buf)
}

// newLogWriter creates dir/name for task output. On failure it logs and
// returns io.Discard so the task still runs.
func newLogWriter(dir, name string) (io.Writer, string) {
	if dir == "" {
		return io.Discard, ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create log dir", "dir", dir, "error", err)
		return io.Discard, ""
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("cannot create log file", "path", path, "error", err)
		return io.Discard, ""
	}
	return f, path
}

// closeLogWriter closes the underlying file if the writer is an *os.File.
func closeLogWriter(w io.Writer) {
	if f, ok := w.(*os.File); ok {
		_ = f.Close()
	}
}
