// Package arbitration resolves disputed escrow orders: the executor that
// submits resolveDispute and reconciles ambiguous receipts, the poller that
// finds disputes, and the payment confirmation flow.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/metrics"
	"github.com/acal-network/arbitro/internal/syncutil"
	"github.com/acal-network/arbitro/internal/traces"
)

// Defaults for the receipt wait.
const (
	DefaultReceiptTimeout = 60 * time.Second
	DefaultReceiptGrace   = 3 * time.Second
)

// OutcomeKind is the terminal state of one resolution attempt.
type OutcomeKind int

const (
	Resolved OutcomeKind = iota
	NotResolvable
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case NotResolvable:
		return "not_resolvable"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is what Resolve returns. Err is set only for Failed.
type Outcome struct {
	Kind   OutcomeKind
	TxHash string
	Status escrow.Status // on-chain status at the first read
	Err    error
}

// Reason returns a human-readable cause for non-resolved outcomes.
func (o Outcome) Reason() string {
	switch o.Kind {
	case NotResolvable:
		return fmt.Sprintf("order status %s is not resolvable", o.Status)
	case Failed:
		if o.Err != nil {
			return o.Err.Error()
		}
		return "resolution failed"
	}
	return ""
}

// Recorder persists resolution attempts.
type Recorder interface {
	RecordResolution(ctx context.Context, r *ledger.ResolutionRecord) error
}

// Executor submits resolveDispute and decides its outcome.
type Executor struct {
	contract       escrow.Resolver
	locks          *syncutil.KeyedMutex
	recorder       Recorder
	logger         *slog.Logger
	receiptTimeout time.Duration
	grace          time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithReceiptTimeout bounds the receipt wait.
func WithReceiptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.receiptTimeout = d
		}
	}
}

// WithReceiptGrace sets the pause before re-reading after an ambiguous receipt.
func WithReceiptGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithRecorder stores a ResolutionRecord for every attempt.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over contract.
func NewExecutor(contract escrow.Resolver, opts ...ExecutorOption) *Executor {
	e := &Executor{
		contract:       contract,
		locks:          syncutil.NewKeyedMutex(),
		logger:         slog.Default(),
		receiptTimeout: DefaultReceiptTimeout,
		grace:          DefaultReceiptGrace,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve attempts resolveDispute(orderID, verdict). Calls for the same
// order are serialized so each one re-reads the status the previous one
// left behind.
func (e *Executor) Resolve(ctx context.Context, orderID *big.Int, verdict escrow.Verdict, trigger string) Outcome {
	id := orderID.String()
	ctx, span := traces.StartSpan(ctx, "arbitration.Resolve",
		traces.OrderID(id), traces.Verdict(int(verdict)), traces.Trigger(trigger))
	defer span.End()

	start := time.Now()
	log := e.logger.With("order_id", id, "verdict", verdict.String(), "trigger", trigger)

	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return Outcome{Kind: Failed, Err: err}
	}
	defer unlock()

	out := e.resolve(ctx, log, orderID, verdict)

	span.SetAttributes(traces.Outcome(out.Kind.String()))
	if out.TxHash != "" {
		span.SetAttributes(traces.TxHash(out.TxHash))
	}
	if out.Kind == Failed {
		traces.RecordError(span, out.Err)
	}
	metrics.ResolutionsTotal.WithLabelValues(out.Kind.String(), trigger).Inc()
	if out.Kind != NotResolvable {
		metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	}
	e.record(ctx, id, verdict, trigger, out)

	switch out.Kind {
	case Resolved:
		log.Info("order resolved", "tx", out.TxHash)
	case NotResolvable:
		log.Info("order not resolvable", "status", out.Status.String())
	case Failed:
		log.Warn("resolution failed", "tx", out.TxHash, "error", out.Err)
	}
	return out
}

func (e *Executor) resolve(ctx context.Context, log *slog.Logger, orderID *big.Int, verdict escrow.Verdict) Outcome {
	snap, err := e.contract.GetOrder(ctx, orderID)
	if err != nil {
		return Outcome{Kind: Failed, Err: fmt.Errorf("read order: %w", err)}
	}
	if !snap.Status.Resolvable() {
		return Outcome{Kind: NotResolvable, Status: snap.Status}
	}

	pending, err := e.contract.SubmitResolveDispute(ctx, orderID, verdict)
	if err != nil {
		var txErr *escrow.TxError
		out := Outcome{Kind: Failed, Status: snap.Status, Err: err}
		if errors.As(err, &txErr) {
			out.TxHash = txErr.TxHash
		}
		return out
	}
	hash := pending.Hash.Hex()

	_, err = e.contract.WaitForReceipt(ctx, pending, e.receiptTimeout)
	if err == nil {
		return Outcome{Kind: Resolved, Status: snap.Status, TxHash: hash}
	}
	if errors.Is(err, escrow.ErrTransactionReverted) {
		return Outcome{Kind: Failed, Status: snap.Status, TxHash: hash, Err: err}
	}

	// The transaction may still land. Give it a moment, then look at the
	// order itself. The re-read must happen even if the caller gave up.
	log.Warn("receipt not observed, re-checking order", "tx", hash, "error", err)
	recheckCtx := context.WithoutCancel(ctx)
	if serr := e.sleep(recheckCtx, e.grace); serr != nil {
		metrics.AmbiguousReceiptsTotal.WithLabelValues("failed").Inc()
		return Outcome{Kind: Failed, Status: snap.Status, TxHash: hash, Err: err}
	}
	after, rerr := e.contract.GetOrder(recheckCtx, orderID)
	if rerr == nil && after.Status == escrow.StatusCompleted {
		metrics.AmbiguousReceiptsTotal.WithLabelValues("recovered").Inc()
		return Outcome{Kind: Resolved, Status: snap.Status, TxHash: hash}
	}
	if rerr != nil {
		log.Warn("re-check read failed", "tx", hash, "error", rerr)
	}
	metrics.AmbiguousReceiptsTotal.WithLabelValues("failed").Inc()
	return Outcome{Kind: Failed, Status: snap.Status, TxHash: hash, Err: err}
}

func (e *Executor) record(ctx context.Context, id string, verdict escrow.Verdict, trigger string, out Outcome) {
	if e.recorder == nil {
		return
	}
	rec := &ledger.ResolutionRecord{
		OrderID:    id,
		Verdict:    int(verdict),
		Trigger:    trigger,
		Outcome:    out.Kind.String(),
		TxHash:     out.TxHash,
		Reason:     out.Reason(),
		ResolvedAt: time.Now().UTC(),
	}
	if err := e.recorder.RecordResolution(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to record resolution", "order_id", id, "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
