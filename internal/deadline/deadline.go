// Package deadline tracks the expiry of the active auction round.
//
// A Timer holds a single deadline. Start arms (or re-arms) it; a stale
// timer from an earlier Start never fires the expiry callback.
package deadline

import (
	"sync"
	"time"
)

// Timer owns the deadline timestamp and the scheduled wake-up
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	gen      uint64
	now      func() time.Time
	onExpire func()
}

// New creates a stopped timer. onExpire runs on its own goroutine at or
// after the deadline and must tolerate being called redundantly.
func New(onExpire func()) *Timer {
	return &Timer{
		now:      time.Now,
		onExpire: onExpire,
	}
}

// Start sets deadline = now + window, replacing any previous deadline
func (t *Timer) Start(window time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.deadline = t.now().Add(window)
	t.timer = time.AfterFunc(window, func() { t.fire(gen) })
	return t.deadline
}

// Stop clears the deadline
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.deadline = time.Time{}
}

// Deadline returns the current deadline and whether one is set
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, !t.deadline.IsZero()
}

// Expired reports whether a deadline is set and has passed
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.deadline.IsZero() && !t.now().Before(t.deadline)
}

// Remaining returns the time left before expiry, zero when unset or past
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deadline.IsZero() {
		return 0
	}
	if d := t.deadline.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	current := gen == t.gen
	t.mu.Unlock()

	if current && t.onExpire != nil {
		t.onExpire()
	}
}
