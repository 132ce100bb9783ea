package sched

import (
	"sync"
	"time"
)

// Timer is a restartable one-shot callback on a Scheduler.
// Each Reset or Stop bumps a generation; a callback whose generation is no
// longer current does nothing, even if the scheduler could not remove it in
// time.
//
// Timer uses its own lock so callers may drive it after releasing their
// state lock.
type Timer struct {
	s      Scheduler
	handle Handle
	gen    uint64
	mu     sync.Mutex
}

// NewTimer creates an idle timer on s.
func NewTimer(s Scheduler) *Timer {
	return &Timer{s: s}
}

// Reset cancels any pending callback and schedules fn after delay.
func (t *Timer) Reset(delay time.Duration, fn func()) {
	t.mu.Lock()
	old := t.handle
	t.gen++
	gen := t.gen
	t.handle = 0
	t.mu.Unlock()

	if old != 0 {
		t.s.Cancel(old)
	}

	h := t.s.Schedule(delay, func() {
		t.mu.Lock()
		live := t.gen == gen
		if live {
			t.handle = 0
		}
		t.mu.Unlock()
		if live {
			fn()
		}
	})

	t.mu.Lock()
	if t.gen == gen {
		t.handle = h
		h = 0
	}
	t.mu.Unlock()

	if h != 0 {
		// Superseded while scheduling.
		t.s.Cancel(h)
	}
}

// Stop cancels the pending callback. Idempotent.
func (t *Timer) Stop() {
	t.mu.Lock()
	old := t.handle
	t.gen++
	t.handle = 0
	t.mu.Unlock()

	if old != 0 {
		t.s.Cancel(old)
	}
}

// Active reports whether a callback is pending.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle != 0
}
