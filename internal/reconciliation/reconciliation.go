// Package reconciliation compares the projected ledger against direct
// contract reads to catch the two pipelines drifting apart.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
)

// DefaultWindow is how many of the newest order ids a run checks.
const DefaultWindow = 50

// OrderReader is the ledger side of a check.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
}

// Mismatch is one order whose ledger status disagrees with the chain.
type Mismatch struct {
	OrderID      string `json:"orderId"`
	LedgerStatus string `json:"ledgerStatus"`
	ChainStatus  string `json:"chainStatus"`
}

// Report holds the outcome of one reconciliation run.
type Report struct {
	CheckedAt  time.Time  `json:"checkedAt"`
	NextID     string     `json:"nextId"`
	Checked    int        `json:"checked"`
	Unreadable int        `json:"unreadable"`
	Missing    []string   `json:"missing"`
	Mismatched []Mismatch `json:"mismatched"`
	InSync     bool       `json:"inSync"`
	DurationMs int64      `json:"durationMs"`
}

// Service performs reconciliation between ledger and on-chain state.
type Service struct {
	contract escrow.Reader
	ledger   OrderReader
	window   int64
	logger   *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewService creates a reconciliation service.
func NewService(contract escrow.Reader, orders OrderReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		contract: contract,
		ledger:   orders,
		window:   DefaultWindow,
		logger:   logger,
	}
}

// SetWindow sets how many of the newest order ids a run checks.
func (s *Service) SetWindow(n int64) {
	if n > 0 {
		s.window = n
	}
}

// Last returns the most recent report, or nil before the first run.
func (s *Service) Last() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run checks the newest window of order ids. Orders the chain cannot
// return are counted as unreadable and skipped.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	next, err := s.contract.NextID(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read next order id: %w", err)
	}

	from := new(big.Int).Sub(next, big.NewInt(s.window))
	if from.Sign() < 0 {
		from.SetInt64(0)
	}

	rep := &Report{
		CheckedAt:  start.UTC(),
		NextID:     next.String(),
		Missing:    []string{},
		Mismatched: []Mismatch{},
	}

	for id := new(big.Int).Set(from); id.Cmp(next) < 0; id.Add(id, big.NewInt(1)) {
		if err := ctx.Err(); err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
		snap, err := s.contract.GetOrder(ctx, id)
		if err != nil {
			rep.Unreadable++
			continue
		}
		if !snap.Exists() {
			continue
		}
		rep.Checked++

		key := id.String()
		o, err := s.ledger.GetOrder(ctx, key)
		if errors.Is(err, ledger.ErrOrderNotFound) {
			rep.Missing = append(rep.Missing, key)
			continue
		}
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to read ledger order %s: %w", key, err)
		}
		if !Equivalent(o.Status, snap.Status) {
			rep.Mismatched = append(rep.Mismatched, Mismatch{
				OrderID:      key,
				LedgerStatus: string(o.Status),
				ChainStatus:  snap.Status.String(),
			})
		}
	}

	rep.InSync = len(rep.Missing) == 0 && len(rep.Mismatched) == 0
	rep.DurationMs = time.Since(start).Milliseconds()

	reconcileMissingOrders.Set(float64(len(rep.Missing)))
	reconcileStatusMismatches.Set(float64(len(rep.Mismatched)))

	if !rep.InSync {
		s.logger.Warn("ledger drift detected",
			"missing", len(rep.Missing),
			"mismatched", len(rep.Mismatched),
			"next_id", rep.NextID,
		)
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	return rep, nil
}

// Equivalent reports whether a ledger status agrees with the chain. The
// ledger only classifies expiry at creation, so OPEN and EXPIRED are
// interchangeable.
func Equivalent(l ledger.OrderStatus, c escrow.Status) bool {
	if string(l) == c.String() {
		return true
	}
	openish := func(s string) bool { return s == "OPEN" || s == "EXPIRED" }
	return openish(string(l)) && openish(c.String())
}
