// Package dedup tracks which orders have been claimed for resolution so
// that concurrent triggers never submit twice for the same order.
package dedup

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("dedup: tracker unavailable")

// Tracker is the claimed-for-resolution set.
type Tracker interface {
	// TryClaim atomically adds id. It returns false if id was already claimed.
	TryClaim(ctx context.Context, id string) (bool, error)
	// Release removes id. Releasing an unclaimed id is a no-op.
	Release(ctx context.Context, id string) error
	// IsClaimed reports membership.
	IsClaimed(ctx context.Context, id string) (bool, error)
}

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{claimed: make(map[string]struct{})}
}

var _ Tracker = (*MemoryTracker)(nil)

func (m *MemoryTracker) TryClaim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[id]; ok {
		return false, nil
	}
	m.claimed[id] = struct{}{}
	return true, nil
}

func (m *MemoryTracker) Release(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.claimed, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) IsClaimed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claimed[id]
	return ok, nil
}

// Len returns the number of claimed ids.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claimed)
}
