package ledger

import (
	"fmt"
	"strings"
)

// Transition applies one event to the previous order state and stats.
// It is pure: prev and stats are never modified. now is the projector's
// unix time, which expiry is judged against at creation.
//
// Counter moves always decrement the counter of the order's status before
// the event and increment the counter of its status after. EXPIRED has no
// counter, so an order classified EXPIRED at creation is counted in
// TotalOrders only.
func Transition(prev *Order, stats GlobalStats, ev ChainEvent, now int64) (Mutation, error) {
	if ev.Type == EventCreated {
		if prev != nil {
			return Mutation{}, fmt.Errorf("%w: %s", ErrOrderExists, ev.OrderID)
		}
		return created(stats, ev, now), nil
	}

	if prev == nil {
		return Mutation{}, fmt.Errorf("%w: %s", ErrOrderNotFound, ev.OrderID)
	}

	next := prev.Clone()
	ts := ev.BlockTimestamp
	switch ev.Type {
	case EventLocked:
		if strings.TrimSpace(ev.Taker) == "" {
			return Mutation{}, fmt.Errorf("%w: %s", ErrMissingTaker, ev.OrderID)
		}
		next.Taker = strings.ToLower(ev.Taker)
		next.Status = StatusLocked
		next.LockedAt = int64Ptr(ts)
		next.LockTxHash = ev.TxHash
	case EventCompleted:
		next.Status = StatusCompleted
		next.CompletedAt = int64Ptr(ts)
		next.CompletionTxHash = ev.TxHash
	case EventCancelled:
		next.Status = StatusCancelled
		next.CancelledAt = int64Ptr(ts)
		next.CancellationTxHash = ev.TxHash
	case EventDisputed:
		next.Status = StatusDisputed
		next.DisputedAt = int64Ptr(ts)
		next.DisputeTxHash = ev.TxHash
	default:
		return Mutation{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}

	s := stats
	adjust(&s, prev.Status, -1)
	adjust(&s, next.Status, +1)
	s.LastUpdated = ts
	s.Version++

	return Mutation{
		Order: next,
		Event: newEvent(ev, next.Maker, next.Taker),
		Stats: s,
	}, nil
}

func created(stats GlobalStats, ev ChainEvent, now int64) Mutation {
	status := StatusOpen
	if ev.Expiry < now {
		status = StatusExpired
	}

	o := &Order{
		ID:             ev.OrderID,
		Maker:          strings.ToLower(ev.Maker),
		CRHash:         ev.CRHash,
		HashQR:         ev.HashQR,
		MXN:            decimalFromBig(ev.MXN),
		MON:            decimalFromBig(ev.MON),
		Expiry:         ev.Expiry,
		Status:         status,
		CreatedAt:      ev.BlockTimestamp,
		CreationTxHash: ev.TxHash,
	}

	s := stats
	s.TotalOrders++
	adjust(&s, status, +1)
	s.TotalVolumeMXN = s.TotalVolumeMXN.Add(o.MXN)
	s.TotalVolumeMON = s.TotalVolumeMON.Add(o.MON)
	s.LastUpdated = ev.BlockTimestamp
	s.Version++

	return Mutation{
		Order:   o,
		Event:   newEvent(ev, o.Maker, ""),
		Stats:   s,
		Created: true,
	}
}

func newEvent(ev ChainEvent, maker, taker string) *OrderEvent {
	return &OrderEvent{
		ID:              ev.Key(),
		OrderID:         ev.OrderID,
		EventType:       ev.Type,
		Maker:           maker,
		Taker:           taker,
		BlockNumber:     ev.BlockNumber,
		BlockTimestamp:  ev.BlockTimestamp,
		TransactionHash: ev.TxHash,
		LogIndex:        ev.LogIndex,
		GasUsed:         ev.GasUsed,
		GasPrice:        decimalFromBig(ev.GasPrice),
	}
}

func adjust(s *GlobalStats, status OrderStatus, delta int64) {
	switch status {
	case StatusOpen:
		s.OpenOrders += delta
	case StatusLocked:
		s.LockedOrders += delta
	case StatusCompleted:
		s.CompletedOrders += delta
	case StatusCancelled:
		s.CancelledOrders += delta
	case StatusDisputed:
		s.DisputedOrders += delta
	}
}
