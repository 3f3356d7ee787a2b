// Package indexer follows the escrow contract's event logs and feeds them,
// in chain order, to the ledger projector.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/metrics"
	"github.com/acal-network/arbitro/internal/rpcpool"
)

const (
	DefaultBatchSize    = 500
	DefaultPollInterval = 5 * time.Second
)

// Sink receives decoded events. *ledger.Projector satisfies it.
type Sink interface {
	Apply(ctx context.Context, ev ledger.ChainEvent) (ledger.ApplyResult, error)
}

// CursorStore persists the last committed block.
type CursorStore interface {
	GetCursor(ctx context.Context, name string) (uint64, bool, error)
	SetCursor(ctx context.Context, name string, block uint64) error
}

// Config for an Indexer.
type Config struct {
	Contract      common.Address
	StartBlock    uint64 // zero starts at the current safe head
	BatchSize     uint64
	Confirmations uint64
	PollInterval  time.Duration
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// WithEnricher reads created orders from the contract to fill the hash
// fields the OrderCreated log does not carry.
func WithEnricher(r escrow.Reader) Option {
	return func(ix *Indexer) { ix.reader = r }
}

// Indexer polls eth_getLogs over confirmed block ranges.
type Indexer struct {
	pool    *rpcpool.Pool
	cfg     Config
	abi     abi.ABI
	topics  []common.Hash
	sink    Sink
	cursors CursorStore
	reader  escrow.Reader
	logger  *slog.Logger

	mu        sync.Mutex
	lastBlock uint64
	started   bool

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an indexer.
func New(pool *rpcpool.Pool, cfg Config, sink Sink, cursors CursorStore, opts ...Option) *Indexer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	a := escrow.ABI()
	ix := &Indexer{
		pool:    pool,
		cfg:     cfg,
		abi:     a,
		topics:  Topics(a),
		sink:    sink,
		cursors: cursors,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// CursorName is the key the committed block is stored under.
func (ix *Indexer) CursorName() string {
	return "escrow:" + strings.ToLower(ix.cfg.Contract.Hex())
}

// LastBlock returns the last committed block.
func (ix *Indexer) LastBlock() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastBlock
}

// Running reports whether the follow loop is active.
func (ix *Indexer) Running() bool {
	return ix.running.Load()
}

// Init resolves the starting point: the stored cursor, else StartBlock-1,
// else the current safe head.
func (ix *Indexer) Init(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.initLocked(ctx)
}

func (ix *Indexer) initLocked(ctx context.Context) error {
	if ix.started {
		return nil
	}
	block, ok, err := ix.cursors.GetCursor(ctx, ix.CursorName())
	if err != nil {
		return fmt.Errorf("indexer: load cursor: %w", err)
	}
	switch {
	case ok:
		ix.lastBlock = block
	case ix.cfg.StartBlock > 0:
		ix.lastBlock = ix.cfg.StartBlock - 1
	default:
		head, err := ix.head(ctx)
		if err != nil {
			return err
		}
		ix.lastBlock = ix.safe(head)
	}
	ix.started = true
	metrics.IndexedBlock.Set(float64(ix.lastBlock))
	return nil
}

// Start resolves the starting point and launches the follow loop.
func (ix *Indexer) Start(ctx context.Context) error {
	if err := ix.Init(ctx); err != nil {
		return err
	}
	ix.logger.Info("indexer started",
		"contract", ix.cfg.Contract.Hex(),
		"from_block", ix.LastBlock()+1,
		"confirmations", ix.cfg.Confirmations,
	)
	ix.running.Store(true)
	go ix.loop(ctx)
	return nil
}

// Stop ends the follow loop and waits for it to exit.
func (ix *Indexer) Stop() {
	ix.stopOnce.Do(func() { close(ix.stop) })
	if ix.running.Load() {
		<-ix.done
	}
}

func (ix *Indexer) loop(ctx context.Context) {
	defer close(ix.done)
	defer ix.running.Store(false)

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := ix.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Error("indexer sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ix.stop:
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce indexes every confirmed block after the cursor, one batch at a
// time. It returns the number of events handed to the sink. A failed batch
// leaves the cursor where it was so the batch is retried.
func (ix *Indexer) SyncOnce(ctx context.Context) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.initLocked(ctx); err != nil {
		return 0, err
	}

	head, err := ix.head(ctx)
	if err != nil {
		return 0, err
	}
	safe := ix.safe(head)

	total := 0
	for ix.lastBlock < safe {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-ix.stop:
			return total, nil
		default:
		}

		from := ix.lastBlock + 1
		to := from + ix.cfg.BatchSize - 1
		if to > safe {
			to = safe
		}
		n, err := ix.syncRange(ctx, from, to)
		total += n
		if err != nil {
			return total, fmt.Errorf("indexer: blocks %d-%d: %w", from, to, err)
		}
		if err := ix.cursors.SetCursor(ctx, ix.CursorName(), to); err != nil {
			return total, fmt.Errorf("indexer: save cursor: %w", err)
		}
		ix.lastBlock = to
		metrics.IndexedBlock.Set(float64(to))
	}
	return total, nil
}

func (ix *Indexer) syncRange(ctx context.Context, from, to uint64) (int, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.cfg.Contract},
		Topics:    [][]common.Hash{ix.topics},
	}
	var logs []types.Log
	err := ix.pool.Do(ctx, "eth_getLogs", func(ctx context.Context, c rpcpool.Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return 0, err
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	times := make(map[uint64]int64)
	gas := make(map[common.Hash]*types.Receipt)
	n := 0
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := Decode(ix.abi, l)
		if errors.Is(err, ErrUnknownLog) {
			continue
		}
		if err != nil {
			ix.logger.Warn("undecodable escrow log skipped",
				"tx", l.TxHash.Hex(), "index", l.Index, "error", err)
			continue
		}

		ts, ok := times[l.BlockNumber]
		if !ok {
			ts, err = ix.blockTime(ctx, l.BlockNumber)
			if err != nil {
				return n, err
			}
			times[l.BlockNumber] = ts
		}
		ev.BlockTimestamp = ts

		rcpt, ok := gas[l.TxHash]
		if !ok {
			rcpt = ix.receipt(ctx, l.TxHash)
			gas[l.TxHash] = rcpt
		}
		if rcpt != nil {
			ev.GasUsed = rcpt.GasUsed
			ev.GasPrice = rcpt.EffectiveGasPrice
		}

		if ev.Type == ledger.EventCreated {
			ix.enrich(ctx, &ev)
		}

		res, err := ix.sink.Apply(ctx, ev)
		if err != nil {
			return n, fmt.Errorf("apply %s %s: %w", ev.Type, ev.Key(), err)
		}
		n++
		ix.logger.Debug("escrow log indexed",
			"event", ev.Type, "order_id", ev.OrderID, "block", ev.BlockNumber, "result", res)
	}
	return n, nil
}

func (ix *Indexer) head(ctx context.Context) (uint64, error) {
	var head uint64
	err := ix.pool.Do(ctx, "eth_blockNumber", func(ctx context.Context, c rpcpool.Client) error {
		var err error
		head, err = c.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("indexer: block number: %w", err)
	}
	return head, nil
}

func (ix *Indexer) safe(head uint64) uint64 {
	if head < ix.cfg.Confirmations {
		return 0
	}
	return head - ix.cfg.Confirmations
}

func (ix *Indexer) blockTime(ctx context.Context, n uint64) (int64, error) {
	var h *types.Header
	err := ix.pool.Do(ctx, "eth_getBlockByNumber", func(ctx context.Context, c rpcpool.Client) error {
		var err error
		h, err = c.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", n, err)
	}
	return int64(h.Time), nil
}

// receipt is best effort; gas fields stay empty when it cannot be read.
func (ix *Indexer) receipt(ctx context.Context, hash common.Hash) *types.Receipt {
	var r *types.Receipt
	err := ix.pool.Do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, c rpcpool.Client) error {
		var err error
		r, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	if err != nil {
		ix.logger.Debug("receipt unavailable", "tx", hash.Hex(), "error", err)
		return nil
	}
	return r
}

func (ix *Indexer) enrich(ctx context.Context, ev *ledger.ChainEvent) {
	if ix.reader == nil {
		return
	}
	id, ok := new(big.Int).SetString(ev.OrderID, 10)
	if !ok {
		return
	}
	snap, err := ix.reader.GetOrder(ctx, id)
	if err != nil {
		ix.logger.Debug("order enrichment failed", "order_id", ev.OrderID, "error", err)
		return
	}
	if snap.CRHash != ([32]byte{}) {
		ev.CRHash = common.Hash(snap.CRHash).Hex()
	}
	if snap.HashQR != ([32]byte{}) {
		ev.HashQR = common.Hash(snap.HashQR).Hex()
	}
}
