package merge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/teranos/hub/errors"
)

// commitLocks serializes commits per conflict bucket. Waiters give up after
// timeout, and no more than maxPending commits may hold or wait for a lock
// at once.
type commitLocks struct {
	timeout    time.Duration
	maxPending int

	mu      sync.Mutex
	pending int
	buckets map[string]*bucketLock
}

type bucketLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newCommitLocks(timeout time.Duration, maxPending int) *commitLocks {
	return &commitLocks{
		timeout:    timeout,
		maxPending: maxPending,
		buckets:    make(map[string]*bucketLock),
	}
}

func (l *commitLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	if l.maxPending > 0 && l.pending >= l.maxPending {
		l.mu.Unlock()
		return nil, errors.Unavailablef("commit lock queue full (%d pending)", l.maxPending)
	}
	bl := l.buckets[key]
	if bl == nil {
		bl = &bucketLock{sem: semaphore.NewWeighted(1)}
		l.buckets[key] = bl
	}
	bl.refs++
	l.pending++
	l.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, l.timeout)
	err := bl.sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		l.done(key, bl)
		return nil, errors.Mark(errors.Wrapf(err, "commit lock not acquired within %s", l.timeout), errors.ErrUnavailable)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			bl.sem.Release(1)
			l.done(key, bl)
		})
	}, nil
}

func (l *commitLocks) done(key string, bl *bucketLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	bl.refs--
	if bl.refs == 0 {
		delete(l.buckets, key)
	}
}

// Pending returns the number of commits holding or waiting for a lock
func (l *commitLocks) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}
