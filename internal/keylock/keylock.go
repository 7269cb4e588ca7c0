// Package keylock serializes work per key without a global lock. Each key
// gets its own slot, created on first use and dropped once nobody holds or
// waits on it.
package keylock

import (
	"context"
	"sync"
)

type Set struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func New() *Set {
	return &Set{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (s *Set) Lock(ctx context.Context, key string) (func(), error) {
	sl := s.acquire(key)
	select {
	case sl.ch <- struct{}{}:
		return func() {
			<-sl.ch
			s.release(key, sl)
		}, nil
	case <-ctx.Done():
		s.release(key, sl)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Set) acquire(key string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		s.slots[key] = sl
	}
	sl.refs++
	return sl
}

func (s *Set) release(key string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, key)
	}
}
