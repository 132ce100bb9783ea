package sched

import "sync"

// NopLocker is a sync.Locker that does nothing. Components share it in
// single-threaded mode, where the receive loop and callback dispatch run on
// one goroutine.
type NopLocker struct{}

func (NopLocker) Lock()   {}
func (NopLocker) Unlock() {}

// NewLocker returns the coarse lock shared by engine components:
// a mutex when threadSafe, otherwise a NopLocker.
func NewLocker(threadSafe bool) sync.Locker {
	if threadSafe {
		return &sync.Mutex{}
	}
	return NopLocker{}
}
