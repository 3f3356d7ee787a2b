// Package rpcpool selects a usable JSON-RPC endpoint from an ordered list
// and routes calls through it, reselecting when the active endpoint stops
// answering.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/acal-network/arbitro/internal/circuitbreaker"
	"github.com/acal-network/arbitro/internal/metrics"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoEndpointAvailable is returned when every configured endpoint failed its probe.
	ErrNoEndpointAvailable = errors.New("rpcpool: no endpoint available")
	ErrNoEndpoints         = errors.New("rpcpool: no endpoints configured")
	ErrChainIDMismatch     = errors.New("rpcpool: endpoint reports unexpected chain id")
	ErrClosed              = errors.New("rpcpool: pool closed")
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Client is the subset of *ethclient.Client the service relies on.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer opens a client for one endpoint URL.
type Dialer func(ctx context.Context, url string) (Client, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Client, error) {
	return ethclient.DialContext(ctx, url)
}

var _ Client = (*ethclient.Client)(nil)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for a Pool.
type Config struct {
	URLs         []string
	ChainID      int64 // zero skips the chain id check
	ProbeTimeout time.Duration
	RateLimit    float64 // requests per second, zero disables limiting
	Burst        int
}

// Conn is a client bound to the endpoint it was dialed against.
type Conn struct {
	Client
	URL   string
	Index int
}

// Status describes the pool for health reporting.
type Status struct {
	Active    string            `json:"active,omitempty"`
	Index     int               `json:"index"`
	Endpoints int               `json:"endpoints"`
	Breakers  map[string]string `json:"breakers,omitempty"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the ethclient dialer, for tests.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithBreaker replaces the default per-endpoint circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Pool) { p.breaker = b }
}

// Pool owns the active endpoint. It is safe for concurrent use.
type Pool struct {
	urls         []string
	chainID      *big.Int
	probeTimeout time.Duration
	dial         Dialer
	limiter      *rate.Limiter
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger

	mu      sync.Mutex
	active  *Conn
	clients map[string]Client // one dialed client per endpoint, reused across probes
	closed  bool
}

// New creates a pool. No endpoint is contacted until Select or Current.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoEndpoints
	}
	p := &Pool{
		urls:         append([]string(nil), cfg.URLs...),
		probeTimeout: cfg.ProbeTimeout,
		dial:         DialEthclient,
		breaker:      circuitbreaker.New(3, 30*time.Second),
		logger:       slog.Default(),
		clients:      make(map[string]Client),
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = 5 * time.Second
	}
	if cfg.ChainID != 0 {
		p.chainID = big.NewInt(cfg.ChainID)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Selection
// -----------------------------------------------------------------------------

// Select probes endpoints in configured order and activates the first one
// that answers eth_chainId within the probe timeout. Endpoints with an open
// breaker are tried only after every other endpoint failed.
func (p *Pool) Select(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(ctx, "")
}

// selectLocked defers exclude and open-breaker endpoints to a second pass.
func (p *Pool) selectLocked(ctx context.Context, exclude string) (*Conn, error) {
	if p.closed {
		return nil, ErrClosed
	}

	var errs []error
	var skipped []int
	for i, url := range p.urls {
		if url == exclude || !p.breaker.Allow(url) {
			skipped = append(skipped, i)
			continue
		}
		conn, err := p.probe(ctx, i)
		if err == nil {
			return p.activate(conn), nil
		}
		errs = append(errs, err)
	}
	for _, i := range skipped {
		conn, err := p.probe(ctx, i)
		if err == nil {
			return p.activate(conn), nil
		}
		errs = append(errs, err)
	}

	metrics.ActiveEndpoint.Set(-1)
	return nil, fmt.Errorf("%w: %w", ErrNoEndpointAvailable, errors.Join(errs...))
}

// probe checks endpoint i, dialing it only if no client is cached for it.
// Caller must hold p.mu.
func (p *Pool) probe(ctx context.Context, i int) (*Conn, error) {
	url := p.urls[i]
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	client, ok := p.clients[url]
	if !ok {
		var err error
		client, err = p.dial(probeCtx, url)
		if err != nil {
			p.breaker.RecordFailure(url)
			p.logger.Warn("rpc endpoint dial failed", "endpoint", url, "error", err)
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		p.clients[url] = client
	}

	id, err := client.ChainID(probeCtx)
	if err == nil && p.chainID != nil && id.Cmp(p.chainID) != 0 {
		err = fmt.Errorf("%w: got %s want %s", ErrChainIDMismatch, id, p.chainID)
	}
	if err != nil {
		p.evict(url)
		p.breaker.RecordFailure(url)
		p.logger.Warn("rpc endpoint probe failed", "endpoint", url, "error", err)
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	p.breaker.RecordSuccess(url)
	return &Conn{Client: client, URL: url, Index: i}, nil
}

// evict closes the cached client for url so the next probe dials afresh.
// Caller must hold p.mu.
func (p *Pool) evict(url string) {
	client, ok := p.clients[url]
	if !ok {
		return
	}
	delete(p.clients, url)
	if p.active != nil && p.active.URL == url {
		p.active = nil
	}
	client.Close()
}

// Caller must hold p.mu.
func (p *Pool) activate(conn *Conn) *Conn {
	if prev := p.active; prev != nil && prev.URL != conn.URL {
		metrics.EndpointSwitchesTotal.Inc()
	}
	p.active = conn
	metrics.ActiveEndpoint.Set(float64(conn.Index))
	p.logger.Info("rpc endpoint selected", "endpoint", conn.URL, "index", conn.Index)
	return conn
}

// Current returns the active connection, selecting one if needed.
func (p *Pool) Current(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		return p.active, nil
	}
	return p.selectLocked(ctx, "")
}

// Reselect marks failed as unhealthy and selects again, preferring any
// other endpoint. If another caller already replaced failed, the newer
// connection is returned unchanged.
func (p *Pool) Reselect(ctx context.Context, failed *Conn) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	exclude := ""
	if failed != nil {
		p.breaker.RecordFailure(failed.URL)
		if p.active != nil && p.active != failed {
			return p.active, nil
		}
		exclude = failed.URL
	}
	return p.selectLocked(ctx, exclude)
}

// Status reports the active endpoint and breaker states.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Index: -1, Endpoints: len(p.urls), Breakers: p.breaker.Snapshot()}
	if p.active != nil {
		st.Active = p.active.URL
		st.Index = p.active.Index
	}
	return st
}

// Close closes every client the pool has opened.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
	p.active = nil
	metrics.ActiveEndpoint.Set(-1)
}

// -----------------------------------------------------------------------------
// Calls
// -----------------------------------------------------------------------------

// Wait blocks until the rate limiter admits one call, or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	r := p.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rpcpool: rate limiter cannot reserve token")
	}
	if delay := r.Delay(); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// Do runs fn against the active endpoint. A connectivity failure triggers
// one reselection and one more attempt on the new endpoint; other errors
// are returned as-is.
func (p *Pool) Do(ctx context.Context, method string, fn func(ctx context.Context, c Client) error) error {
	conn, err := p.Current(ctx)
	if err != nil {
		metrics.RPCCallsTotal.WithLabelValues(method, "no_endpoint").Inc()
		return err
	}

	err = p.call(ctx, method, conn, fn)
	if err == nil || !IsConnectivity(err) || ctx.Err() != nil {
		return err
	}

	p.logger.Warn("rpc call failed, reselecting endpoint",
		"method", method, "endpoint", conn.URL, "error", err)

	next, selErr := p.Reselect(ctx, conn)
	if selErr != nil {
		return fmt.Errorf("%w (after %s: %v)", selErr, method, err)
	}
	return p.call(ctx, method, next, fn)
}

func (p *Pool) call(ctx context.Context, method string, conn *Conn, fn func(context.Context, Client) error) error {
	if err := p.Wait(ctx); err != nil {
		return err
	}
	err := fn(ctx, conn.Client)
	metrics.RPCCallsTotal.WithLabelValues(method, Classify(err)).Inc()
	if err == nil {
		p.breaker.RecordSuccess(conn.URL)
	}
	return err
}
