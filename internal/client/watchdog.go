package client

import (
	"context"
	"io"
	"sync"
	"time"
)

// watchdog cancels an attempt when a phase makes no progress for too long.
// Only one phase is armed at a time.
type watchdog struct {
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	timer *time.Timer
	d     time.Duration
	cause error
}

// arm starts a new phase, replacing any previous one. d <= 0 disables it.
func (w *watchdog) arm(d time.Duration, cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.d, w.cause = d, cause
	if d <= 0 {
		return
	}
	w.timer = time.AfterFunc(d, func() { w.cancel(cause) })
}

// touch restarts the current phase's clock if that phase is still cause.
func (w *watchdog) touch(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer == nil || w.cause != cause {
		return
	}
	w.timer.Reset(w.d)
}

func (w *watchdog) disarm() {
	w.arm(0, nil)
}

// progressReader calls touch after every read that returned data.
type progressReader struct {
	r     io.Reader
	touch func()
}

func (pr *progressReader) Read(b []byte) (int, error) {
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.touch()
	}
	return n, err
}
