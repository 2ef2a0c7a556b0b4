package runner

import (
	"io"
	"sync"
	"time"
)

// idleTimeoutWriter wraps an io.Writer and fires a cancellation callback
// when nothing is written for the configured timeout duration.
// Each Write with len(p) > 0 resets the timer.
type idleTimeoutWriter struct {
	w       io.Writer
	timer   *time.Timer
	timeout time.Duration
	cancel  func()
	idled   bool
	mu      sync.Mutex
}

// newIdleTimeoutWriter creates a writer that calls cancel after timeout of
// silence. Pass 0 to disable idle detection.
func newIdleTimeoutWriter(w io.Writer, timeout time.Duration, cancel func()) *idleTimeoutWriter {
	if timeout <= 0 {
		return &idleTimeoutWriter{w: w}
	}
	itw := &idleTimeoutWriter{
		w:       w,
		timeout: timeout,
		cancel:  cancel,
	}
	itw.timer = time.AfterFunc(timeout, itw.onTimeout)
	return itw
}

func (itw *idleTimeoutWriter) Write(p []byte) (int, error) {
	if len(p) > 0 && itw.timer != nil {
		itw.timer.Reset(itw.timeout)
	}
	return itw.w.Write(p)
}

func (itw *idleTimeoutWriter) onTimeout() {
	itw.mu.Lock()
	itw.idled = true
	itw.mu.Unlock()
	if itw.cancel != nil {
		itw.cancel()
	}
}

// Idled returns true if the idle timeout fired.
func (itw *idleTimeoutWriter) Idled() bool {
	itw.mu.Lock()
	defer itw.mu.Unlock()
	return itw.idled
}

// Stop stops the idle timer.
func (itw *idleTimeoutWriter) Stop() {
	if itw.timer != nil {
		itw.timer.Stop()
	}
}
