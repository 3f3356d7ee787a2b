// Package server wires the arbitration service together and serves its HTTP API
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/acal-network/arbitro/internal/arbitration"
	"github.com/acal-network/arbitro/internal/config"
	"github.com/acal-network/arbitro/internal/dedup"
	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/health"
	"github.com/acal-network/arbitro/internal/indexer"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/logging"
	"github.com/acal-network/arbitro/internal/metrics"
	"github.com/acal-network/arbitro/internal/ratelimit"
	"github.com/acal-network/arbitro/internal/realtime"
	"github.com/acal-network/arbitro/internal/reconciliation"
	"github.com/acal-network/arbitro/internal/retry"
	"github.com/acal-network/arbitro/internal/rpcpool"
	"github.com/acal-network/arbitro/internal/security"
	"github.com/acal-network/arbitro/internal/traces"
	"github.com/acal-network/arbitro/internal/validation"
	"github.com/acal-network/arbitro/internal/wallet"
	"github.com/acal-network/arbitro/migrations"
)

// Version is reported by /health and in traces. Set by cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the background workers
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	signer   *wallet.Signer
	pool     *rpcpool.Pool   // nil when the contract is injected
	gateway  *escrow.Gateway // nil when the contract is injected
	contract escrow.Resolver

	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil if claims are in-memory
	store  ledger.Store
	claims dedup.Tracker

	projector      *ledger.Projector
	executor       *arbitration.Executor
	confirmer      *arbitration.Confirmer
	poller         *arbitration.Poller
	indexer        *indexer.Indexer
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error
	drainDelay    time.Duration
	shutdownOnce  atomic.Bool
	workersHealth atomic.Bool // poller and indexer checks registered

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithContract replaces the on-chain escrow gateway (for testing)
func WithContract(c escrow.Resolver) Option {
	return func(s *Server) {
		s.contract = c
	}
}

// WithStore replaces the ledger store (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithClaims replaces the claimed-for-resolution tracker (for testing)
func WithClaims(t dedup.Tracker) Option {
	return func(s *Server) {
		s.claims = t
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. No RPC endpoint is contacted until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set contract/store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

	signer, err := wallet.New(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load arbitration key: %w", err)
	}
	s.signer = signer

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupChain(); err != nil {
		return nil, err
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"),
		realtime.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	// Projection: every applied event is pushed to websocket subscribers
	s.projector = ledger.NewProjector(s.store,
		ledger.WithProjectorLogger(logging.Component(s.logger, "projector")),
		ledger.OnChange(s.realtimeHub.PublishOrderEvent),
	)

	verdict, err := escrow.ParseVerdict(cfg.DisputeVerdict)
	if err != nil {
		return nil, err
	}

	s.executor = arbitration.NewExecutor(s.contract,
		arbitration.WithReceiptTimeout(cfg.ReceiptTimeout),
		arbitration.WithReceiptGrace(cfg.ReceiptGrace),
		arbitration.WithRecorder(realtime.NewRecorder(s.store, s.realtimeHub)),
		arbitration.WithExecutorLogger(logging.Component(s.logger, "executor")),
	)
	s.confirmer = arbitration.NewConfirmer(s.contract, s.executor, s.claims,
		arbitration.WithConfirmationStore(s.store),
		arbitration.WithConfirmerLogger(logging.Component(s.logger, "confirm")),
	)
	s.poller = arbitration.NewPoller(s.contract, s.executor, s.claims,
		arbitration.WithInterval(cfg.PollInterval),
		arbitration.WithInitialDelay(cfg.PollInitialDelay),
		arbitration.WithWindow(cfg.PollWindow),
		arbitration.WithDisputeVerdict(verdict),
		arbitration.WithPollerLogger(logging.Component(s.logger, "poller")),
	)
	s.logger.Info("dispute poller configured",
		"interval", cfg.PollInterval.String(),
		"window", cfg.PollWindow,
		"verdict", verdict.String(),
	)

	// Log follower (stands in for the external indexer)
	if cfg.IndexerEnabled {
		if s.pool == nil {
			s.logger.Warn("indexer enabled but no RPC pool is configured; skipping")
		} else {
			s.indexer = indexer.New(s.pool, indexer.Config{
				Contract:      common.HexToAddress(cfg.EscrowAddress),
				StartBlock:    cfg.IndexerStartBlock,
				BatchSize:     cfg.IndexerBatchSize,
				Confirmations: cfg.IndexerConfirmations,
				PollInterval:  cfg.IndexerInterval,
			}, s.projector, s.store,
				indexer.WithLogger(logging.Component(s.logger, "indexer")),
				indexer.WithEnricher(s.contract),
			)
			s.logger.Info("log follower enabled", "start_block", cfg.IndexerStartBlock)
		}
	}

	// Reconciliation between the ledger and the chain
	s.reconciler = reconciliation.NewService(s.contract, s.store, logging.Component(s.logger, "reconciliation"))
	s.reconciler.SetWindow(cfg.ReconcileWindow)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	s.setupHealth()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens Postgres and Redis when configured, otherwise falls
// back to in-memory stores.
func (s *Server) setupStorage(ctx context.Context) error {
	cfg := s.cfg

	if s.store == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection; the database may still be starting
		if err := retry.Do(ctx, s.startupRetry("database"), func(ctx context.Context) error {
			return db.PingContext(ctx)
		}); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		s.db = db
		s.store = ledger.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else if s.store == nil {
		s.store = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.claims == nil && cfg.RedisURL != "" {
		var client *redis.Client
		err := retry.Do(ctx, s.startupRetry("redis"), func(ctx context.Context) error {
			var err error
			client, err = dedup.DialRedis(ctx, cfg.RedisURL)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.claims = dedup.NewRedisTracker(client, "arbitro:claim", dedup.DefaultClaimTTL)
		s.logger.Info("using Redis for resolution claims")
	} else if s.claims == nil {
		s.claims = dedup.NewMemoryTracker()
		s.logger.Info("using in-memory resolution claims (single instance only)")
	}
	return nil
}

func (s *Server) startupRetry(name string) retry.Policy {
	return retry.Policy{
		Attempts:  5,
		BaseDelay: time.Second,
		MaxDelay:  10 * time.Second,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("connection failed, retrying", "dependency", name, "attempt", attempt, "error", err)
		},
	}
}

// setupChain builds the RPC pool and escrow gateway unless a contract was
// injected.
func (s *Server) setupChain() error {
	if s.contract != nil {
		return nil
	}
	cfg := s.cfg

	pool, err := rpcpool.New(rpcpool.Config{
		URLs:         cfg.RPCURLs,
		ChainID:      cfg.ChainID,
		ProbeTimeout: cfg.RPCProbeTimeout,
		RateLimit:    float64(cfg.RPCRateLimit),
		Burst:        cfg.RPCRateLimit,
	}, rpcpool.WithLogger(logging.Component(s.logger, "rpcpool")))
	if err != nil {
		return fmt.Errorf("failed to create rpc pool: %w", err)
	}
	s.pool = pool
	s.gateway = escrow.New(pool, s.signer, common.HexToAddress(cfg.EscrowAddress),
		escrow.WithLogger(logging.Component(s.logger, "escrow")),
	)
	s.contract = s.gateway
	s.logger.Info("escrow gateway configured",
		"contract", cfg.EscrowAddress,
		"chain_id", cfg.ChainID,
		"endpoints", len(cfg.RPCURLs),
	)
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("rpc", health.PingChecker("rpc", func(ctx context.Context) error {
		_, err := s.contract.NextID(ctx)
		return err
	}))
	s.health.Register("database", health.PingChecker("database", s.store.Ping))
	if s.redis != nil {
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
}

// registerWorkerHealth adds liveness checks for the background loops once
// they have been started.
func (s *Server) registerWorkerHealth() {
	if !s.workersHealth.CompareAndSwap(false, true) {
		return
	}
	s.health.Register("poller", health.RunningChecker("poller", s.poller.Running))
	if s.indexer != nil {
		s.health.Register("indexer", health.RunningChecker("indexer", s.indexer.Running))
	}
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// CORS (the order UI is served from another origin)
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time order events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Arbitration endpoints keep their unversioned paths for existing clients
	arbitrationHandler := arbitration.NewHandler(s.contract, s.store, s.confirmer, s.executor,
		logging.Component(s.logger, "api"))
	arbitrationHandler.RegisterRoutes(s.router, security.AdminAuth(s.cfg.AdminSecret))

	// V1 API group (ledger reads and operations)
	v1 := s.router.Group("/v1")
	ledger.NewHandler(s.store, s.logger).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterRoutes(v1)
	v1.GET("/poller", s.pollerHandler)
	v1.GET("/realtime", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for the health check endpoint
type HealthResponse struct {
	Status    string          `json:"status"`
	Arbitro   string          `json:"arbitro"`
	Version   string          `json:"version"`
	Timestamp string          `json:"timestamp"`
	RPC       *rpcpool.Status `json:"rpc,omitempty"`
	Checks    []health.Status `json:"checks"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:    status,
		Arbitro:   s.signer.Address().Hex(),
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if s.pool != nil {
		st := s.pool.Status()
		resp.RPC = &st
	}
	c.JSON(httpStatus, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) pollerHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": s.poller.Running(),
		"lastRun": s.poller.LastRun(),
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// VerifyChain selects the first usable RPC endpoint and checks that the
// configured key is the contract's arbitro. Errors wrap
// rpcpool.ErrNoEndpointAvailable or wallet.ErrArbitroMismatch.
func (s *Server) VerifyChain(ctx context.Context) error {
	if s.gateway == nil {
		return nil
	}
	conn, err := s.pool.Select(ctx)
	if err != nil {
		return fmt.Errorf("select rpc endpoint: %w", err)
	}
	s.logger.Info("rpc endpoint selected", "url", conn.URL, "index", conn.Index)

	arbitro, err := s.gateway.VerifySigner(ctx)
	if err != nil {
		return fmt.Errorf("verify arbitro: %w", err)
	}
	s.logger.Info("arbitro verified", "address", arbitro.Hex())
	return nil
}

// Run verifies the chain, starts the HTTP server and the background workers
// and blocks until a signal, ctx cancellation or a fatal server error.
func (s *Server) Run(ctx context.Context) error {
	if err := s.VerifyChain(ctx); err != nil {
		return err
	}

	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second, // manual resolution waits for a receipt
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"arbitro", s.signer.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		s.poller.Start(gctx)
		return nil
	})

	if s.indexer != nil {
		if err := s.indexer.Start(gctx); err != nil {
			s.logger.Error("failed to start indexer", "error", err)
		}
	}

	if s.reconcileTimer != nil {
		g.Go(func() error {
			s.reconcileTimer.Start(gctx)
			return nil
		})
	}

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.registerWorkerHealth()
	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("shutdown signal received", "signal", sig.String())
		case <-gctx.Done():
			s.logger.Info("context cancelled")
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server. Only the first call does anything.
func (s *Server) Shutdown() error {
	if !s.shutdownOnce.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop the poller first so no new resolution starts; in-flight ones finish
	s.poller.Stop()
	s.logger.Info("dispute poller stopped")

	if s.indexer != nil {
		s.indexer.Stop()
		s.logger.Info("indexer stopped")
	}

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Cancel the context for the remaining background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.pool != nil {
		s.pool.Close()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Projector returns the event projector, for feeding events from tests or
// an embedded indexer.
func (s *Server) Projector() *ledger.Projector {
	return s.projector
}
