package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/tollgate"
)

// keyedLocks is a set of mutexes created on demand per key. Waiters give
// up after a timeout so that crossed lock orders cannot hang forever.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.forget(key)
		return ctx.Err()
	case <-timer.C:
		k.forget(key)
		return tollgate.ErrConcurrencyConflict
	}
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		return
	}
	<-l.ch
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// forget drops a waiter that never obtained the lock.
func (k *keyedLocks) forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func sessionKey(sessionID string) string   { return "session:" + sessionID }
func customerKey(customerID string) string { return "customer:" + customerID }
func entryKey(entryID string) string       { return "entry:" + entryID }
