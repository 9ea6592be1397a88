package registry

import (
	"context"
	"sync"

	"github.com/robodyne/robosync/internal/metrics"
)

// ownerLocks hands out one lock per owner id. Entries are dropped once no caller holds or waits on them.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	sem  chan struct{}
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*ownerLock)}
}

// acquire blocks until the owner lock is held or ctx ends. The returned func releases the lock.
func (l *ownerLocks) acquire(ctx context.Context, ownerID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[ownerID]
	if !ok {
		lock = &ownerLock{sem: make(chan struct{}, 1)}
		l.locks[ownerID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			l.unref(ownerID, lock)
		}, nil
	default:
	}

	metrics.OwnerLockWaitersGauge.Inc()
	defer metrics.OwnerLockWaitersGauge.Dec()

	select {
	case lock.sem <- struct{}{}:
		return func() {
			<-lock.sem
			l.unref(ownerID, lock)
		}, nil
	case <-ctx.Done():
		l.unref(ownerID, lock)
		return nil, ctx.Err()
	}
}

func (l *ownerLocks) unref(ownerID string, lock *ownerLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, ownerID)
	}
}

func (l *ownerLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.locks)
}
