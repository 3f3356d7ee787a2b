package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	orders        map[string]*Order
	events        map[string]*OrderEvent
	eventsByOrder map[string][]string
	stats         GlobalStats
	cursors       map[string]uint64
	confirmations map[string]*PaymentConfirmation
	resolutions   []*ResolutionRecord
	nextResID     int64
	mu            sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]*Order),
		events:        make(map[string]*OrderEvent),
		eventsByOrder: make(map[string][]string),
		stats:         NewGlobalStats(),
		cursors:       make(map[string]uint64),
		confirmations: make(map[string]*PaymentConfirmation),
	}
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetStats(_ context.Context) (GlobalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, nil
}

func (m *MemoryStore) HasEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[eventID]
	return ok, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) error {
	if mut.Order == nil || mut.Event == nil {
		return fmt.Errorf("ledger: incomplete mutation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[mut.Event.ID]; ok {
		return ErrDuplicateEvent
	}
	if _, ok := m.orders[mut.Order.ID]; ok && mut.Created {
		return ErrOrderExists
	}
	if mut.Stats.Version != m.stats.Version+1 {
		return ErrStaleStats
	}

	m.orders[mut.Order.ID] = mut.Order.Clone()
	ev := *mut.Event
	m.events[ev.ID] = &ev
	m.eventsByOrder[ev.OrderID] = append(m.eventsByOrder[ev.OrderID], ev.ID)
	m.stats = mut.Stats
	m.stats.ID = GlobalStatsID
	return nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maker := strings.ToLower(f.Maker)
	taker := strings.ToLower(f.Taker)
	var out []*Order
	for _, o := range m.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if maker != "" && o.Maker != maker {
			continue
		}
		if taker != "" && o.Taker != taker {
			continue
		}
		if f.After != nil && !f.After.Before(o.CreatedAt, o.ID) {
			continue
		}
		out = append(out, o.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})

	limit := clampLimit(f.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, orderID string, limit int) ([]*OrderEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.eventsByOrder[orderID]
	out := make([]*OrderEvent, 0, len(ids))
	for _, id := range ids {
		cp := *m.events[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})

	limit = clampLimit(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetCursor(_ context.Context, name string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cursors[name]
	return v, ok, nil
}

func (m *MemoryStore) SetCursor(_ context.Context, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[name]; ok && block < cur {
		return ErrCursorRegression
	}
	m.cursors[name] = block
	return nil
}

func (m *MemoryStore) RecordConfirmation(_ context.Context, c *PaymentConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.confirmations[c.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetConfirmation(_ context.Context, orderID string) (*PaymentConfirmation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.confirmations[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) RecordResolution(_ context.Context, r *ResolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextResID++
	r.ID = m.nextResID
	cp := *r
	m.resolutions = append(m.resolutions, &cp)
	return nil
}

func (m *MemoryStore) ListResolutions(_ context.Context, orderID string) ([]*ResolutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ResolutionRecord
	for i := len(m.resolutions) - 1; i >= 0; i-- {
		r := m.resolutions[i]
		if orderID != "" && r.OrderID != orderID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}
