package arbitration

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acal-network/arbitro/internal/dedup"
	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/metrics"
)

// Poller defaults.
const (
	DefaultPollInterval     = 10 * time.Second
	DefaultPollInitialDelay = 2 * time.Second
	DefaultPollWindow       = 10
)

// Resolver is the part of Executor the poller and confirmer use.
type Resolver interface {
	Resolve(ctx context.Context, orderID *big.Int, verdict escrow.Verdict, trigger string) Outcome
}

var _ Resolver = (*Executor)(nil)

// PollReport summarizes one poll run.
type PollReport struct {
	NextID   uint64
	Scanned  int
	Skipped  int // unreadable ids
	Disputed int
	Claimed  int
	Resolved int
	Failed   int
}

// Poller scans the newest orders for disputes and resolves them.
type Poller struct {
	contract     escrow.Reader
	resolver     Resolver
	claims       dedup.Tracker
	logger       *slog.Logger
	interval     time.Duration
	initialDelay time.Duration
	window       int64
	verdict      escrow.Verdict

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Pointer[PollReport]
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the time between runs.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithInitialDelay sets the delay before the first run.
func WithInitialDelay(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d >= 0 {
			p.initialDelay = d
		}
	}
}

// WithWindow sets how many of the newest ids each run scans.
func WithWindow(n int64) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.window = n
		}
	}
}

// WithDisputeVerdict sets the verdict applied to detected disputes.
func WithDisputeVerdict(v escrow.Verdict) PollerOption {
	return func(p *Poller) { p.verdict = v }
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a dispute poller.
func NewPoller(contract escrow.Reader, resolver Resolver, claims dedup.Tracker, opts ...PollerOption) *Poller {
	p := &Poller{
		contract:     contract,
		resolver:     resolver,
		claims:       claims,
		logger:       slog.Default(),
		interval:     DefaultPollInterval,
		initialDelay: DefaultPollInitialDelay,
		window:       DefaultPollWindow,
		verdict:      escrow.VerdictFavorMaker,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// LastRun returns the report of the most recent completed run, or nil.
func (p *Poller) LastRun() *PollReport {
	return p.lastRun.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine. Runs execute on this goroutine, so they never overlap.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer func() {
		p.running.Store(false)
		close(p.done)
	}()

	first := time.NewTimer(p.initialDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-p.stop:
		return
	case <-first.C:
	}
	p.safeRun(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeRun(ctx)
		}
	}
}

// Stop signals the loop and waits for an in-flight run to finish. It is
// safe to call more than once and before Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.running.Load() {
		<-p.done
	}
}

func (p *Poller) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PollRunsTotal.WithLabelValues("panic").Inc()
			p.logger.Error("panic in dispute poller", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := p.RunOnce(ctx); err != nil {
		p.logger.Warn("dispute poll failed", "error", err)
	}
}

// RunOnce performs one scan of the newest window of ids.
func (p *Poller) RunOnce(ctx context.Context) (*PollReport, error) {
	next, err := p.contract.NextID(ctx)
	if err != nil {
		metrics.PollRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read nextId: %w", err)
	}

	report := &PollReport{NextID: next.Uint64()}
	from := new(big.Int).Sub(next, big.NewInt(p.window))
	if from.Sign() < 0 {
		from.SetInt64(0)
	}

	for id := from; id.Cmp(next) < 0; id = new(big.Int).Add(id, big.NewInt(1)) {
		if p.stopping(ctx) {
			break
		}
		report.Scanned++
		p.check(ctx, new(big.Int).Set(id), report)
	}

	p.lastRun.Store(report)
	metrics.PollRunsTotal.WithLabelValues("ok").Inc()
	if report.Disputed > 0 {
		p.logger.Info("dispute poll finished",
			"next_id", report.NextID, "disputed", report.Disputed,
			"resolved", report.Resolved, "failed", report.Failed)
	} else {
		p.logger.Debug("dispute poll finished", "next_id", report.NextID, "scanned", report.Scanned)
	}
	return report, nil
}

func (p *Poller) check(ctx context.Context, id *big.Int, report *PollReport) {
	key := id.String()
	snap, err := p.contract.GetOrder(ctx, id)
	if err != nil {
		report.Skipped++
		p.logger.Debug("skipping unreadable order", "order_id", key, "error", err)
		return
	}
	if snap.Status != escrow.StatusDisputed {
		return
	}
	report.Disputed++

	won, err := p.claims.TryClaim(ctx, key)
	if err != nil {
		p.logger.Warn("claim failed", "order_id", key, "error", err)
		return
	}
	if !won {
		return
	}
	report.Claimed++
	metrics.DisputesDetectedTotal.Inc()

	// Let the attempt finish even if shutdown starts meanwhile.
	out := p.resolver.Resolve(context.WithoutCancel(ctx), id, p.verdict, ledger.TriggerPoller)
	if out.Kind == Resolved {
		report.Resolved++
		return
	}
	report.Failed++
	if err := p.claims.Release(context.WithoutCancel(ctx), key); err != nil {
		p.logger.Warn("release failed", "order_id", key, "error", err)
	}
}

func (p *Poller) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
