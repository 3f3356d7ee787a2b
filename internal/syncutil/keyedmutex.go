// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex is a set of per-key mutexes whose waiters can give up when
// their context ends. Entries are dropped once nobody holds or waits on
// them, so memory tracks the number of keys in use, not keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds a token while unlocked
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the lock for key. On success the returned function
// must be called exactly once to release it. If ctx ends first, it returns
// ctx.Err() and nothing is held.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.ref(key)

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.unref(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	l := m.ref(key)
	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.unref(key, l)
			})
		}, true
	default:
		m.unref(key, l)
		return nil, false
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) unref(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
