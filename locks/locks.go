// Package locks implements UpdateLocks: a single shard-wide read-write
// lock with a millisecond timeout, used to carve quiescent windows for
// state transitions and for the finishing phase of a replay.
package locks

import (
	"fmt"
	"sync"
	"time"
)

// UpdateLocks guards concurrent mutation ops (read side) against state
// transitions (write side). It is the inverted use of a RWMutex the
// teacher's ackCond/ActiveSnapshots bookkeeping hints at: most callers
// (add/delete/deleteByQuery) take the read side and run concurrently;
// BlockUpdates takes the write side to pause all of them.
type UpdateLocks struct {
	mu      sync.RWMutex
	timeout time.Duration
}

// New creates an UpdateLocks with the given timeout. A timeout of 0 means
// AcquireRead/BlockUpdates never time out.
func New(timeout time.Duration) *UpdateLocks {
	return &UpdateLocks{timeout: timeout}
}

// ErrTimeout is returned when the configured timeout is exhausted waiting
// for a lock side. Callers surface this as SERVICE_UNAVAILABLE.
var ErrTimeout = fmt.Errorf("locks: timed out waiting for update lock")

// AcquireRead takes the read side used by all mutation ops (add, delete,
// deleteByQuery). Call ReleaseRead when done.
func (u *UpdateLocks) AcquireRead() error {
	return u.acquire(u.mu.RLock, u.mu.TryRLock)
}

func (u *UpdateLocks) ReleaseRead() { u.mu.RUnlock() }

// BlockUpdates takes the write side, pausing all readers, to carve a
// quiescent window for a state transition or the finishing phase of a
// replay. UnblockUpdates releases it.
func (u *UpdateLocks) BlockUpdates() error {
	return u.acquire(u.mu.Lock, u.mu.TryLock)
}

func (u *UpdateLocks) UnblockUpdates() { u.mu.Unlock() }

// acquire tries a blocking lock function within the configured timeout by
// racing a TryLock poll loop; sync.RWMutex has no native timed lock.
func (u *UpdateLocks) acquire(lock func(), tryLock func() bool) error {
	if u.timeout <= 0 {
		lock()
		return nil
	}
	deadline := time.Now().Add(u.timeout)
	const pollInterval = time.Millisecond
	for {
		if tryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}
