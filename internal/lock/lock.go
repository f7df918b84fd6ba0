package lock

import (
	"context"
	"sync"
)

// Locker serializes work on a key, e.g. a phone number.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyedMutex struct {
	mu   sync.Mutex
	refs int
}

// LocalLocker is a per-key mutex for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedMutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedMutex)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	km, ok := l.locks[key]
	if !ok {
		km = &keyedMutex{}
		l.locks[key] = km
	}
	km.refs++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		km.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// the goroutine still takes the mutex; hand it back once it does
		go func() {
			<-acquired
			l.release(key, km)
		}()
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, km) }) }, nil
}

func (l *LocalLocker) release(key string, km *keyedMutex) {
	km.mu.Unlock()
	l.mu.Lock()
	km.refs--
	if km.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
