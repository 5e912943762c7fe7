package store

import (
	"context"
	"fmt"
	"sync"
)

// Advisory locks give the engine per-case mutual exclusion keyed by a
// 64-bit integer. SQLite has no server-side advisory lock facility, so the
// store carries an in-process keyed mutex with the usual session contract:
// locks are held until explicitly unlocked or the store session closes.
// One store instance per process keeps the guarantee equivalent for a
// single-node deployment; a multi-node deployment would swap this for the
// queue's Redis.

type advisoryLocks struct {
	mu    sync.Mutex
	held  map[uint64]chan struct{}
}

func newAdvisoryLocks() *advisoryLocks {
	return &advisoryLocks{held: make(map[uint64]chan struct{})}
}

// AdvisoryLock blocks until the key is acquired or ctx is done.
func (s *Store) AdvisoryLock(ctx context.Context, key uint64) error {
	for {
		s.locks.mu.Lock()
		waiter, taken := s.locks.held[key]
		if !taken {
			s.locks.held[key] = make(chan struct{})
			s.locks.mu.Unlock()
			return nil
		}
		s.locks.mu.Unlock()

		select {
		case <-waiter:
			// Holder released; race for the key again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAdvisoryLock acquires the key without blocking. Returns true on
// acquisition.
func (s *Store) TryAdvisoryLock(key uint64) bool {
	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()

	if _, taken := s.locks.held[key]; taken {
		return false
	}
	s.locks.held[key] = make(chan struct{})
	return true
}

// AdvisoryUnlock releases the key. Unlocking a key that is not held is an
// error, mirroring pg_advisory_unlock returning false.
func (s *Store) AdvisoryUnlock(key uint64) error {
	s.locks.mu.Lock()
	defer s.locks.mu.Unlock()

	waiter, taken := s.locks.held[key]
	if !taken {
		return fmt.Errorf("advisory lock %d is not held", key)
	}
	delete(s.locks.held, key)
	close(waiter)
	return nil
}

func (l *advisoryLocks) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, waiter := range l.held {
		delete(l.held, key)
		close(waiter)
	}
}
