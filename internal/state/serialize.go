package state

import "sync"

// Serializer gives an entity a per-instance mutual-exclusion lock for
// operations that must never run concurrently with themselves on the same
// entity, in particular the interaction between a user-issued stop() and an
// in-flight autorestart. Two call modes are supported: Do waits for the lock
// like a plain mutex; TryDo drops the call silently if another call already
// holds it, which is what lets an automatic restart and a manual stop race
// without either blocking the other indefinitely.
type Serializer struct {
	mu sync.Mutex
}

// Do waits for exclusive access, runs fn, then releases.
func (s *Serializer) Do(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// TryDo attempts to acquire exclusive access without blocking. If another
// call already holds the lock, TryDo returns ran=false, err=nil and fn is
// never invoked. Otherwise it runs fn and releases before returning.
func (s *Serializer) TryDo(fn func() error) (ran bool, err error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	defer s.mu.Unlock()
	return true, fn()
}
