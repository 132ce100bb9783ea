// Package sched provides the deferred-callback contract used by the
// exchange engine and observation manager.
//
// Components never poll: retransmissions, response timeouts and dedup
// expiry are all expressed as one-shot callbacks scheduled here.
// TimerScheduler runs them on real timers; ManualScheduler drives them from
// a virtual clock for deterministic tests.
package sched

import (
	"sync"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	// Schedule arranges for fn to run once after delay.
	Schedule(delay time.Duration, fn func()) Handle

	// Cancel prevents a pending callback from running. Cancelling an unknown,
	// fired or already cancelled handle is a no-op. A callback that is
	// already executing is not interrupted.
	Cancel(h Handle)

	// Now returns the scheduler's current time.
	Now() time.Time
}

// TimerScheduler runs callbacks on time.AfterFunc timers.
//
// Thread-safe for concurrent access.
type TimerScheduler struct {
	timers map[Handle]*time.Timer
	next   Handle
	mu     sync.Mutex
}

// NewTimerScheduler creates a scheduler backed by real timers.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		timers: make(map[Handle]*time.Timer),
	}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	h := s.next
	s.timers[h] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[h]
		delete(s.timers, h)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return h
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[h]; ok {
		t.Stop()
		delete(s.timers, h)
	}
}

// Now implements Scheduler.
func (s *TimerScheduler) Now() time.Time {
	return time.Now()
}

// Pending returns the number of callbacks not yet run or cancelled.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending callback. Used for shutdown.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
}
