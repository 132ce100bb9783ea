package sched

import (
	"sort"
	"sync"
	"time"
)

type manualTask struct {
	handle Handle
	due    time.Time
	fn     func()
}

// ManualScheduler is a virtual-clock Scheduler for tests.
// Time only moves when Advance is called; due callbacks run on the
// caller's goroutine in deadline order (ties in scheduling order).
type ManualScheduler struct {
	now   time.Time
	tasks []*manualTask
	next  Handle
	mu    sync.Mutex
}

// NewManualScheduler creates a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.tasks = append(s.tasks, &manualTask{
		handle: s.next,
		due:    s.now.Add(delay),
		fn:     fn,
	})
	return s.next
}

// Cancel implements Scheduler.
func (s *ManualScheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, task := range s.tasks {
		if task.handle == h {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

// Now implements Scheduler.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d, running every callback that falls
// due. Callbacks scheduled by a running callback run in the same call if
// they fall due before the new time.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		task := s.popDue(target)
		if task == nil {
			break
		}
		task.fn()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

// RunNext advances to the earliest pending deadline and runs that callback.
// Returns false if nothing is pending.
func (s *ManualScheduler) RunNext() bool {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return false
	}
	s.sortLocked()
	due := s.tasks[0].due
	s.mu.Unlock()

	task := s.popDue(due)
	if task == nil {
		return false
	}
	task.fn()
	return true
}

// NextDelay returns the time until the earliest pending callback.
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return 0, false
	}
	s.sortLocked()
	return s.tasks[0].due.Sub(s.now), true
}

// Pending returns the number of scheduled callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// popDue removes and returns the earliest task due at or before target,
// moving the clock to its deadline.
func (s *ManualScheduler) popDue(target time.Time) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return nil
	}
	s.sortLocked()
	task := s.tasks[0]
	if task.due.After(target) {
		return nil
	}
	s.tasks = s.tasks[1:]
	if task.due.After(s.now) {
		s.now = task.due
	}
	return task
}

func (s *ManualScheduler) sortLocked() {
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due.Equal(s.tasks[j].due) {
			return s.tasks[i].handle < s.tasks[j].handle
		}
		return s.tasks[i].due.Before(s.tasks[j].due)
	})
}
