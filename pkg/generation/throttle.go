package generation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttle coalesces notifications: at most one fires per interval, a
// trailing fire delivers anything triggered inside the window, and Flush
// always fires once more with final=true. Nothing fires after Flush.
type throttle struct {
	fireMu  sync.Mutex // serializes fn
	mu      sync.Mutex
	limiter *rate.Limiter
	timer   *time.Timer
	stopped bool
	fn      func(final bool)
}

func newThrottle(interval time.Duration, fn func(final bool)) *throttle {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &throttle{
		limiter: rate.NewLimiter(limit, 1),
		fn:      fn,
	}
}

// Trigger requests a notification.
func (t *throttle) Trigger() {
	t.mu.Lock()
	if t.stopped || t.timer != nil {
		t.mu.Unlock()
		return
	}
	r := t.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		t.timer = time.AfterFunc(d, t.trailing)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fireMu.Lock()
	defer t.fireMu.Unlock()
	if t.isStopped() {
		return
	}
	t.fn(false)
}

func (t *throttle) trailing() {
	t.fireMu.Lock()
	defer t.fireMu.Unlock()

	t.mu.Lock()
	t.timer = nil
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	t.fn(false)
}

// Flush cancels any pending trailing fire and delivers the final notification.
func (t *throttle) Flush() {
	t.fireMu.Lock()
	defer t.fireMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.fn(true)
}

func (t *throttle) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
