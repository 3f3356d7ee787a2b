package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/acal-network/arbitro/internal/metrics"
)

// maxStaleRetries bounds how often Apply recomputes an event that lost a
// write race against another projector.
const maxStaleRetries = 5

// ApplyResult says what Apply did with an event.
type ApplyResult int

const (
	Applied   ApplyResult = iota
	Duplicate             // event key already stored
	Dropped               // order unknown or order already exists
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// ChangeFunc is called after an event has been committed.
type ChangeFunc func(order *Order, event *OrderEvent)

// Projector turns contract events into store mutations. Events are applied
// one at a time so each read-modify-write sees the previous commit. A store
// shared with other processes rejects stale writes with ErrStaleStats and the
// event is recomputed.
type Projector struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	onChange []ChangeFunc
	mu       sync.Mutex
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithClock overrides the wall clock that creation-time expiry is judged
// against.
func WithClock(now func() time.Time) ProjectorOption {
	return func(p *Projector) { p.now = now }
}

// WithProjectorLogger sets the logger.
func WithProjectorLogger(l *slog.Logger) ProjectorOption {
	return func(p *Projector) { p.logger = l }
}

// OnChange registers a callback run after every applied event.
func OnChange(fn ChangeFunc) ProjectorOption {
	return func(p *Projector) { p.onChange = append(p.onChange, fn) }
}

// NewProjector creates a projector over store.
func NewProjector(store Store, opts ...ProjectorOption) *Projector {
	p := &Projector{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Store returns the underlying store.
func (p *Projector) Store() Store {
	return p.store
}

// Apply projects one event. Replays of an already stored event and events
// for unknown orders are not errors; the result says which case occurred.
func (p *Projector) Apply(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		res   ApplyResult
		order *Order
		event *OrderEvent
		err   error
	)
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		res, order, event, err = p.apply(ctx, ev)
		if !errors.Is(err, ErrStaleStats) {
			break
		}
		p.logger.Debug("stats moved under projection, retrying", "event", ev.Type, "order_id", ev.OrderID)
	}
	metrics.ProjectedEventsTotal.WithLabelValues(string(ev.Type), resultLabel(res, err)).Inc()
	if err != nil {
		return res, err
	}
	if res == Applied {
		for _, fn := range p.onChange {
			fn(order, event)
		}
	}
	return res, nil
}

func (p *Projector) apply(ctx context.Context, ev ChainEvent) (ApplyResult, *Order, *OrderEvent, error) {
	log := p.logger.With("event", ev.Type, "order_id", ev.OrderID, "key", ev.Key())

	// Stats are read first: any commit after this read bumps the version
	// and fails the write, so the order read below cannot be stale.
	stats, err := p.store.GetStats(ctx)
	if err != nil {
		return Dropped, nil, nil, err
	}

	seen, err := p.store.HasEvent(ctx, ev.Key())
	if err != nil {
		return Dropped, nil, nil, err
	}
	if seen {
		log.Debug("event already projected")
		return Duplicate, nil, nil, nil
	}

	prev, err := p.store.GetOrder(ctx, ev.OrderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return Dropped, nil, nil, err
	}
	if errors.Is(err, ErrOrderNotFound) {
		prev = nil
	}

	mut, err := Transition(prev, stats, ev, p.now().Unix())
	switch {
	case errors.Is(err, ErrOrderNotFound):
		log.Warn("event for unknown order dropped")
		return Dropped, nil, nil, nil
	case errors.Is(err, ErrOrderExists):
		log.Warn("duplicate creation dropped")
		return Dropped, nil, nil, nil
	case errors.Is(err, ErrMissingTaker):
		log.Warn("lock without taker dropped")
		return Dropped, nil, nil, nil
	case err != nil:
		return Dropped, nil, nil, err
	}

	if err := p.store.Apply(ctx, mut); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return Duplicate, nil, nil, nil
		}
		if errors.Is(err, ErrOrderExists) {
			log.Warn("duplicate creation dropped")
			return Dropped, nil, nil, nil
		}
		return Dropped, nil, nil, err
	}

	if prev != nil {
		metrics.OrdersByStatus.WithLabelValues(string(prev.Status)).Dec()
	}
	metrics.OrdersByStatus.WithLabelValues(string(mut.Order.Status)).Inc()

	log.Info("event projected", "status", mut.Order.Status)
	return Applied, mut.Order, mut.Event, nil
}

func resultLabel(res ApplyResult, err error) string {
	if err != nil {
		return "error"
	}
	return res.String()
}

// ----- per-event entry points -----

// HandleOrderCreated projects an OrderCreated event.
func (p *Projector) HandleOrderCreated(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	ev.Type = EventCreated
	return p.Apply(ctx, ev)
}

// HandleOrderLocked projects an OrderLocked event.
func (p *Projector) HandleOrderLocked(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	ev.Type = EventLocked
	return p.Apply(ctx, ev)
}

// HandleOrderCompleted projects an OrderCompleted event.
func (p *Projector) HandleOrderCompleted(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	ev.Type = EventCompleted
	return p.Apply(ctx, ev)
}

// HandleOrderCancelled projects an OrderCancelled event.
func (p *Projector) HandleOrderCancelled(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	ev.Type = EventCancelled
	return p.Apply(ctx, ev)
}

// HandleOrderDisputed projects an OrderDisputed event.
func (p *Projector) HandleOrderDisputed(ctx context.Context, ev ChainEvent) (ApplyResult, error) {
	ev.Type = EventDisputed
	return p.Apply(ctx, ev)
}
