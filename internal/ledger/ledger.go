// Package ledger projects escrow contract events into a queryable order
// ledger with running aggregate statistics.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acal-network/arbitro/internal/pagination"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrOrderNotFound    = errors.New("ledger: order not found")
	ErrOrderExists      = errors.New("ledger: order already exists")
	ErrDuplicateEvent   = errors.New("ledger: event already applied")
	ErrUnknownEvent     = errors.New("ledger: unknown event type")
	ErrMissingTaker     = errors.New("ledger: lock event has no taker")
	// ErrStaleStats means another writer committed after the mutation was
	// computed; the event must be re-read and re-applied.
	ErrStaleStats       = errors.New("ledger: stats changed since read")
	ErrNotFound         = errors.New("ledger: not found")
	ErrInvalidOrderID   = errors.New("ledger: invalid order id")
	ErrCursorRegression = errors.New("ledger: cursor cannot move backwards")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// OrderStatus is the projected lifecycle status.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusLocked    OrderStatus = "LOCKED"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusDisputed  OrderStatus = "DISPUTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusLocked, StatusCompleted, StatusCancelled, StatusDisputed, StatusExpired:
		return true
	}
	return false
}

// EventType names the contract event an OrderEvent came from.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventLocked    EventType = "LOCKED"
	EventCompleted EventType = "COMPLETED"
	EventCancelled EventType = "CANCELLED"
	EventDisputed  EventType = "DISPUTED"
)

// Order is the projected state of one escrow order. Timestamps are block
// timestamps in unix seconds.
type Order struct {
	ID     string          `json:"id"`
	Maker  string          `json:"maker"`
	Taker  string          `json:"taker,omitempty"`
	CRHash string          `json:"crHash,omitempty"`
	HashQR string          `json:"hashQR,omitempty"`
	MXN    decimal.Decimal `json:"mxn"`
	MON    decimal.Decimal `json:"mon"`
	Expiry int64           `json:"expiry"`
	Status OrderStatus     `json:"status"`

	CreatedAt   int64  `json:"createdAt"`
	LockedAt    *int64 `json:"lockedAt,omitempty"`
	CompletedAt *int64 `json:"completedAt,omitempty"`
	CancelledAt *int64 `json:"cancelledAt,omitempty"`
	DisputedAt  *int64 `json:"disputedAt,omitempty"`

	CreationTxHash     string `json:"creationTxHash"`
	LockTxHash         string `json:"lockTxHash,omitempty"`
	CompletionTxHash   string `json:"completionTxHash,omitempty"`
	CancellationTxHash string `json:"cancellationTxHash,omitempty"`
	DisputeTxHash      string `json:"disputeTxHash,omitempty"`
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.LockedAt = cloneInt64(o.LockedAt)
	cp.CompletedAt = cloneInt64(o.CompletedAt)
	cp.CancelledAt = cloneInt64(o.CancelledAt)
	cp.DisputedAt = cloneInt64(o.DisputedAt)
	return &cp
}

// OrderEvent is the immutable record of one applied contract event.
type OrderEvent struct {
	ID              string          `json:"id"` // txHash-logIndex
	OrderID         string          `json:"orderId"`
	EventType       EventType       `json:"eventType"`
	Maker           string          `json:"maker"`
	Taker           string          `json:"taker,omitempty"`
	BlockNumber     uint64          `json:"blockNumber"`
	BlockTimestamp  int64           `json:"blockTimestamp"`
	TransactionHash string          `json:"transactionHash"`
	LogIndex        uint            `json:"logIndex"`
	GasUsed         uint64          `json:"gasUsed"`
	GasPrice        decimal.Decimal `json:"gasPrice"`
}

// GlobalStatsID is the id of the single stats row.
const GlobalStatsID = "global"

// GlobalStats are the running aggregate counters.
type GlobalStats struct {
	ID              string          `json:"id"`
	TotalOrders     int64           `json:"totalOrders"`
	OpenOrders      int64           `json:"openOrders"`
	LockedOrders    int64           `json:"lockedOrders"`
	CompletedOrders int64           `json:"completedOrders"`
	CancelledOrders int64           `json:"cancelledOrders"`
	DisputedOrders  int64           `json:"disputedOrders"`
	TotalVolumeMXN  decimal.Decimal `json:"totalVolumeMXN"`
	TotalVolumeMON  decimal.Decimal `json:"totalVolumeMON"`
	LastUpdated     int64           `json:"lastUpdated"`
	Version         int64           `json:"-"` // bumped by every applied event
}

// NewGlobalStats returns zeroed stats.
func NewGlobalStats() GlobalStats {
	return GlobalStats{ID: GlobalStatsID, TotalVolumeMXN: decimal.Zero, TotalVolumeMON: decimal.Zero}
}

// Tracked returns the sum of the per-status counters.
func (s GlobalStats) Tracked() int64 {
	return s.OpenOrders + s.LockedOrders + s.CompletedOrders + s.CancelledOrders + s.DisputedOrders
}

// ChainEvent is a decoded escrow event plus its block and transaction context.
type ChainEvent struct {
	Type    EventType
	OrderID string

	Maker  string   // CREATED
	MXN    *big.Int // CREATED
	MON    *big.Int // CREATED
	Expiry int64    // CREATED
	CRHash string   // CREATED, optional
	HashQR string   // CREATED, optional

	Taker string   // LOCKED
	Value *big.Int // LOCKED

	BlockNumber    uint64
	BlockTimestamp int64
	TxHash         string
	LogIndex       uint
	GasUsed        uint64
	GasPrice       *big.Int
}

// Key is the OrderEvent id for this event.
func (e ChainEvent) Key() string {
	return fmt.Sprintf("%s-%d", e.TxHash, e.LogIndex)
}

// Mutation is the atomic unit a Store applies for one event.
type Mutation struct {
	Order   *Order
	Event   *OrderEvent
	Stats   GlobalStats
	Created bool // Order is new
}

// OrderFilter selects orders for listing. Empty fields match everything.
type OrderFilter struct {
	Status OrderStatus
	Maker  string
	Taker  string
	Limit  int
	After  *pagination.Cursor // rows strictly older than this key
}

// Resolution triggers.
const (
	TriggerPoller  = "poller"
	TriggerPayment = "payment"
	TriggerManual  = "manual"
)

// ResolutionRecord is the audit entry for one resolution attempt.
type ResolutionRecord struct {
	ID         int64     `json:"id"`
	OrderID    string    `json:"orderId"`
	Verdict    int       `json:"verdict"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	TxHash     string    `json:"txHash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Confirmation resolutions.
const (
	ResolutionMakerFavoured = "MAKER_FAVOURED"
	ResolutionPendingManual = "PENDING_MANUAL"
)

// PaymentConfirmation records a taker's claim that the fiat leg was paid.
type PaymentConfirmation struct {
	OrderID      string    `json:"orderId"`
	TakerAddress string    `json:"takerAddress"`
	ProofHash    string    `json:"proofHash"`
	Resolution   string    `json:"resolution"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store persists the projection. Apply must be atomic: either the order,
// the event and the stats are all written, or none is. Apply returns
// ErrStaleStats unless m.Stats.Version is exactly one past the stored
// version.
type Store interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetStats(ctx context.Context) (GlobalStats, error)
	HasEvent(ctx context.Context, eventID string) (bool, error)
	Apply(ctx context.Context, m Mutation) error

	ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error)
	ListEvents(ctx context.Context, orderID string, limit int) ([]*OrderEvent, error)

	GetCursor(ctx context.Context, name string) (uint64, bool, error)
	SetCursor(ctx context.Context, name string, block uint64) error

	RecordConfirmation(ctx context.Context, c *PaymentConfirmation) error
	GetConfirmation(ctx context.Context, orderID string) (*PaymentConfirmation, error)
	RecordResolution(ctx context.Context, r *ResolutionRecord) error
	ListResolutions(ctx context.Context, orderID string) ([]*ResolutionRecord, error)

	Ping(ctx context.Context) error
}

// Listing bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// clampLimit allows one row past MaxListLimit so callers can detect a
// following page.
func clampLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit+1 {
		return MaxListLimit + 1
	}
	return n
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func int64Ptr(v int64) *int64 {
	return &v
}

func decimalFromBig(b *big.Int) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(b, 0)
}
