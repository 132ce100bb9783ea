package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualSchedulerOrder(t *testing.T) {
	s := NewManualScheduler(epoch)

	var order []int
	s.Schedule(3*time.Second, func() { order = append(order, 3) })
	s.Schedule(1*time.Second, func() { order = append(order, 1) })
	s.Schedule(2*time.Second, func() { order = append(order, 2) })
	s.Schedule(2*time.Second, func() { order = append(order, 22) })

	s.Advance(2 * time.Second)
	want := []int{1, 2, 22}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
	if got := s.Now().Sub(epoch); got != 2*time.Second {
		t.Errorf("Now() offset = %v, want 2s", got)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}
}

func TestManualSchedulerCancel(t *testing.T) {
	s := NewManualScheduler(epoch)

	fired := false
	h := s.Schedule(time.Second, func() { fired = true })
	s.Cancel(h)
	s.Cancel(h)
	s.Cancel(Handle(999))

	s.Advance(time.Minute)
	if fired {
		t.Error("cancelled callback fired")
	}
}

func TestManualSchedulerNested(t *testing.T) {
	s := NewManualScheduler(epoch)

	var at []time.Duration
	s.Schedule(time.Second, func() {
		at = append(at, s.Now().Sub(epoch))
		s.Schedule(time.Second, func() {
			at = append(at, s.Now().Sub(epoch))
		})
	})

	s.Advance(5 * time.Second)
	if len(at) != 2 || at[0] != time.Second || at[1] != 2*time.Second {
		t.Errorf("callback times = %v, want [1s 2s]", at)
	}
}

func TestManualSchedulerRunNext(t *testing.T) {
	s := NewManualScheduler(epoch)
	if s.RunNext() {
		t.Fatal("RunNext() on empty scheduler = true")
	}

	n := 0
	s.Schedule(10*time.Second, func() { n++ })
	d, ok := s.NextDelay()
	if !ok || d != 10*time.Second {
		t.Errorf("NextDelay() = %v, %v; want 10s", d, ok)
	}
	if !s.RunNext() || n != 1 {
		t.Errorf("RunNext() did not run callback")
	}
	if got := s.Now().Sub(epoch); got != 10*time.Second {
		t.Errorf("Now() offset = %v, want 10s", got)
	}
}

func TestTimerScheduler(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestTimerSchedulerCancel(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var fired atomic.Bool
	h := s.Schedule(20*time.Millisecond, func() { fired.Store(true) })
	s.Cancel(h)
	s.Cancel(h)

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled callback fired")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}
