package arbitration

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/acal-network/arbitro/internal/dedup"
	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/metrics"
	"github.com/acal-network/arbitro/internal/wallet"
)

// Rejection reasons.
var (
	ErrOrderNotFound = errors.New("arbitration: order not found")
	ErrWrongState    = errors.New("arbitration: order not in locked state")
	ErrUnauthorized  = errors.New("arbitration: unauthorized taker")
)

// ConfirmationKind is the result of a payment confirmation.
type ConfirmationKind int

const (
	AutoResolved ConfirmationKind = iota
	ConfirmedPendingManual
	Rejected
)

func (k ConfirmationKind) String() string {
	switch k {
	case AutoResolved:
		return "auto_resolved"
	case ConfirmedPendingManual:
		return "pending_manual"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// ConfirmRequest is a taker's claim that the fiat leg was paid.
type ConfirmRequest struct {
	OrderID      *big.Int
	TakerAddress string
	ProofHash    string
	Signature    string // optional EIP-191 signature over ProofHash
}

// ConfirmationOutcome reports what ConfirmPayment did. Reason is one of the
// rejection errors when Kind is Rejected. Resolution is set when a
// resolution was attempted.
type ConfirmationOutcome struct {
	Kind       ConfirmationKind
	Reason     error
	Resolution *Outcome
}

// ResolutionLabel is the PaymentConfirmation resolution for this outcome.
func (o ConfirmationOutcome) ResolutionLabel() string {
	if o.Kind == AutoResolved {
		return ledger.ResolutionMakerFavoured
	}
	return ledger.ResolutionPendingManual
}

// ConfirmationStore persists accepted confirmations.
type ConfirmationStore interface {
	RecordConfirmation(ctx context.Context, c *ledger.PaymentConfirmation) error
}

// Confirmer validates payment confirmations and triggers resolution.
type Confirmer struct {
	contract escrow.Reader
	resolver Resolver
	claims   dedup.Tracker
	store    ConfirmationStore
	logger   *slog.Logger
}

// ConfirmerOption configures a Confirmer.
type ConfirmerOption func(*Confirmer)

// WithConfirmationStore records every accepted confirmation.
func WithConfirmationStore(s ConfirmationStore) ConfirmerOption {
	return func(c *Confirmer) { c.store = s }
}

// WithConfirmerLogger sets the logger.
func WithConfirmerLogger(l *slog.Logger) ConfirmerOption {
	return func(c *Confirmer) { c.logger = l }
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(contract escrow.Reader, resolver Resolver, claims dedup.Tracker, opts ...ConfirmerOption) *Confirmer {
	c := &Confirmer{
		contract: contract,
		resolver: resolver,
		claims:   claims,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConfirmPayment validates req against the on-chain order and, if it
// passes, resolves in the maker's favour. Rejected requests have no side
// effects.
func (c *Confirmer) ConfirmPayment(ctx context.Context, req ConfirmRequest) ConfirmationOutcome {
	out := c.confirm(ctx, req)
	metrics.PaymentConfirmationsTotal.WithLabelValues(out.Kind.String()).Inc()
	return out
}

func (c *Confirmer) confirm(ctx context.Context, req ConfirmRequest) ConfirmationOutcome {
	id := req.OrderID.String()
	log := c.logger.With("order_id", id, "taker", req.TakerAddress)

	snap, err := c.contract.GetOrder(ctx, req.OrderID)
	if err != nil {
		log.Warn("confirm-payment: order read failed", "error", err)
		return ConfirmationOutcome{Kind: Rejected, Reason: ErrOrderNotFound}
	}
	if !snap.Exists() {
		return ConfirmationOutcome{Kind: Rejected, Reason: ErrOrderNotFound}
	}
	if snap.Status != escrow.StatusLocked {
		return ConfirmationOutcome{Kind: Rejected, Reason: ErrWrongState}
	}
	if !strings.EqualFold(req.TakerAddress, snap.Taker.Hex()) {
		log.Warn("confirm-payment: taker mismatch", "onchain_taker", snap.Taker.Hex())
		return ConfirmationOutcome{Kind: Rejected, Reason: ErrUnauthorized}
	}
	if req.Signature != "" {
		if err := wallet.VerifyPersonal(common.HexToAddress(req.TakerAddress), []byte(req.ProofHash), req.Signature); err != nil {
			log.Warn("confirm-payment: bad signature", "error", err)
			return ConfirmationOutcome{Kind: Rejected, Reason: ErrUnauthorized}
		}
	}

	out := ConfirmationOutcome{Kind: ConfirmedPendingManual}
	won, err := c.claims.TryClaim(ctx, id)
	switch {
	case err != nil:
		log.Warn("confirm-payment: claim failed", "error", err)
	case !won:
		log.Info("confirm-payment: resolution already in flight")
	default:
		// A disconnecting client must not cut the receipt wait short.
		res := c.resolver.Resolve(context.WithoutCancel(ctx), req.OrderID, escrow.VerdictFavorMaker, ledger.TriggerPayment)
		out.Resolution = &res
		if res.Kind == Resolved {
			out.Kind = AutoResolved
		} else if err := c.claims.Release(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("confirm-payment: release failed", "error", err)
		}
	}

	c.recordConfirmation(ctx, req, out)
	log.Info("payment confirmed", "result", out.Kind.String())
	return out
}

func (c *Confirmer) recordConfirmation(ctx context.Context, req ConfirmRequest, out ConfirmationOutcome) {
	if c.store == nil {
		return
	}
	err := c.store.RecordConfirmation(context.WithoutCancel(ctx), &ledger.PaymentConfirmation{
		OrderID:      req.OrderID.String(),
		TakerAddress: strings.ToLower(req.TakerAddress),
		ProofHash:    req.ProofHash,
		Resolution:   out.ResolutionLabel(),
		ConfirmedAt:  time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("failed to record payment confirmation", "order_id", req.OrderID.String(), "error", err)
	}
}
