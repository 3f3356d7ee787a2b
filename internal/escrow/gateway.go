// Package escrow reads and writes the on-chain escrow contract through the
// RPC pool.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/acal-network/arbitro/internal/rpcpool"
	"github.com/acal-network/arbitro/internal/traces"
	"github.com/acal-network/arbitro/internal/wallet"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidVerdict      = errors.New("escrow: invalid verdict")
	ErrReceiptTimeout      = errors.New("escrow: receipt not available before timeout")
	ErrTransactionReverted = errors.New("escrow: transaction reverted")
	ErrUnexpectedResponse  = errors.New("escrow: unexpected contract response")
)

// TxError wraps transaction failures with the step and hash.
type TxError struct {
	Op     string // sign, submit, confirm
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("escrow: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("escrow: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Reader is the read side of the contract.
type Reader interface {
	GetOrder(ctx context.Context, id *big.Int) (*OrderSnapshot, error)
	NextID(ctx context.Context) (*big.Int, error)
	Arbitro(ctx context.Context) (common.Address, error)
}

// Resolver submits resolutions and waits for their receipts.
type Resolver interface {
	Reader
	SubmitResolveDispute(ctx context.Context, id *big.Int, verdict Verdict) (*PendingTx, error)
	WaitForReceipt(ctx context.Context, tx *PendingTx, timeout time.Duration) (*types.Receipt, error)
}

var _ Resolver = (*Gateway)(nil)

// DefaultReceiptPollInterval between receipt lookups.
const DefaultReceiptPollInterval = 2 * time.Second

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

// Option configures the gateway.
type Option func(*Gateway)

// WithReceiptPollInterval overrides how often receipts are polled.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.receiptPoll = d }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway is the typed client for one escrow contract.
type Gateway struct {
	pool        *rpcpool.Pool
	signer      *wallet.Signer
	address     common.Address
	abi         abi.ABI
	receiptPoll time.Duration
	logger      *slog.Logger
}

// New creates a gateway. signer may be nil for read-only use.
func New(pool *rpcpool.Pool, signer *wallet.Signer, address common.Address, opts ...Option) *Gateway {
	g := &Gateway{
		pool:        pool,
		signer:      signer,
		address:     address,
		abi:         contractABI,
		receiptPoll: DefaultReceiptPollInterval,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Address returns the contract address.
func (g *Gateway) Address() common.Address {
	return g.address
}

// GetOrder reads orders(id).
func (g *Gateway) GetOrder(ctx context.Context, id *big.Int) (*OrderSnapshot, error) {
	out, err := g.call(ctx, "orders", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 10 {
		return nil, fmt.Errorf("%w: orders returned %d values", ErrUnexpectedResponse, len(out))
	}

	snap := &OrderSnapshot{ID: new(big.Int).Set(id)}
	var ok [10]bool
	snap.Maker, ok[0] = out[0].(common.Address)
	snap.Taker, ok[1] = out[1].(common.Address)
	snap.CRHash, ok[2] = out[2].([32]byte)
	snap.HashQR, ok[3] = out[3].([32]byte)
	snap.MXN, ok[4] = out[4].(*big.Int)
	snap.MON, ok[5] = out[5].(*big.Int)
	snap.Expiry, ok[6] = out[6].(*big.Int)
	var status uint8
	status, ok[7] = out[7].(uint8)
	snap.Status = Status(status)
	snap.MakerBond, ok[8] = out[8].(*big.Int)
	snap.TakerBond, ok[9] = out[9].(*big.Int)
	for i, good := range ok {
		if !good {
			return nil, fmt.Errorf("%w: orders field %d has type %T", ErrUnexpectedResponse, i, out[i])
		}
	}
	return snap, nil
}

// NextID reads nextId(), the id the next created order will get.
func (g *Gateway) NextID(ctx context.Context) (*big.Int, error) {
	out, err := g.call(ctx, "nextId")
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: nextId returned %d values", ErrUnexpectedResponse, len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: nextId has type %T", ErrUnexpectedResponse, out[0])
	}
	return n, nil
}

// Arbitro reads the address allowed to call resolveDispute.
func (g *Gateway) Arbitro(ctx context.Context) (common.Address, error) {
	out, err := g.call(ctx, "arbitro")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%w: arbitro returned %d values", ErrUnexpectedResponse, len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: arbitro has type %T", ErrUnexpectedResponse, out[0])
	}
	return addr, nil
}

// VerifySigner checks that the configured key is the contract's arbitro.
func (g *Gateway) VerifySigner(ctx context.Context) (common.Address, error) {
	if g.signer == nil {
		return common.Address{}, fmt.Errorf("escrow: gateway has no signer")
	}
	arbitro, err := g.Arbitro(ctx)
	if err != nil {
		return common.Address{}, err
	}
	return arbitro, g.signer.CheckArbitro(arbitro)
}

// SubmitResolveDispute signs and broadcasts resolveDispute(id, verdict).
// If the endpoint changes mid-submission the same signed bytes are re-sent.
func (g *Gateway) SubmitResolveDispute(ctx context.Context, id *big.Int, verdict Verdict) (*PendingTx, error) {
	if !verdict.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVerdict, uint8(verdict))
	}
	if g.signer == nil {
		return nil, &TxError{Op: "sign", Err: errors.New("no signer configured")}
	}

	ctx, span := traces.StartSpan(ctx, "escrow.SubmitResolveDispute",
		traces.OrderID(id.String()), traces.Verdict(int(verdict)))
	defer span.End()

	data, err := g.abi.Pack("resolveDispute", id, uint8(verdict))
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}

	var signed *types.Transaction
	err = g.pool.Do(ctx, "eth_sendRawTransaction", func(ctx context.Context, c rpcpool.Client) error {
		if signed == nil {
			tx, err := g.signer.BuildAndSign(ctx, c, g.address, data)
			if err != nil {
				return err
			}
			signed = tx
		}
		if err := c.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
			return err
		}
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		var hash string
		if signed != nil {
			hash = signed.Hash().Hex()
		}
		return nil, &TxError{Op: "submit", TxHash: hash, Err: err}
	}

	g.logger.Info("resolveDispute submitted",
		"order_id", id.String(), "verdict", verdict.String(), "tx", signed.Hash().Hex(), "nonce", signed.Nonce())

	return &PendingTx{
		Hash:        signed.Hash(),
		Tx:          signed,
		OrderID:     new(big.Int).Set(id),
		Verdict:     verdict,
		SubmittedAt: time.Now(),
	}, nil
}

// WaitForReceipt polls for the receipt of tx until timeout. It returns
// ErrReceiptTimeout when none shows up and a TxError wrapping
// ErrTransactionReverted when the transaction was mined but failed.
func (g *Gateway) WaitForReceipt(ctx context.Context, tx *PendingTx, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(g.receiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		var receipt *types.Receipt
		err := g.pool.Do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, c rpcpool.Client) error {
			r, err := c.TransactionReceipt(ctx, tx.Hash)
			receipt = r
			return err
		})
		switch {
		case err == nil && receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &TxError{Op: "confirm", TxHash: tx.Hash.Hex(), Err: ErrTransactionReverted}
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if lastErr != nil {
					return nil, fmt.Errorf("%w: waiting for tx %s (last error: %v)", ErrReceiptTimeout, tx.Hash.Hex(), lastErr)
				}
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrReceiptTimeout, tx.Hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: pack %s: %w", method, err)
	}

	var raw []byte
	err = g.pool.Do(ctx, method, func(ctx context.Context, c rpcpool.Client) error {
		out, err := c.CallContract(ctx, ethereum.CallMsg{To: &g.address, Data: data}, nil)
		raw = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("escrow: call %s: %w", method, err)
	}

	out, err := g.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrUnexpectedResponse, method, err)
	}
	return out, nil
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction") ||
		strings.Contains(msg, "already imported")
}
