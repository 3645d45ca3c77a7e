// Package lock serializes commits per (repository, branch).
//
// The commit engine holds the branch lock across its read-plan-commit cycle
// so two hub workers cannot race each other to the same branch tip. Two
// implementations exist: an in-process keyed lock for single-node SQLite
// deployments, and PostgreSQL advisory locks for multi-worker deployments
// where an in-process lock would not see the other workers.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// Locker grants exclusive access to a (repository, branch) pair.
type Locker interface {
	// Acquire blocks until the branch lock is held or ctx is done. The
	// returned release function must be called when the critical section
	// ends; calling it more than once is safe.
	Acquire(ctx context.Context, repoID int64, branch string) (func(), error)
}

// Key derives the 64-bit lock key for a branch. Both implementations key on
// this value, so a hash collision costs only false serialization.
func Key(repoID int64, branch string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s", repoID, branch)
	return int64(h.Sum64())
}

// MemoryLocker is an in-process Locker. Entries are created on first use and
// removed when the last waiter leaves, so the map stays proportional to the
// number of concurrently contended branches.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[int64]*memLock
}

type memLock struct {
	// ch holds at most one token; owning the token is owning the lock.
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[int64]*memLock)}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, repoID int64, branch string) (func(), error) {
	key := Key(repoID, branch)

	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &memLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-entry.ch
			l.leave(key, entry)
		})
	}
	return release, nil
}

func (l *MemoryLocker) leave(key int64, entry *memLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
