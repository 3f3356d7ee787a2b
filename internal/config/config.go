// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis for the claimed-for-resolution set (optional)

	// Chain
	RPCURLs         []string // Ordered; the first usable endpoint wins
	ChainID         int64
	EscrowAddress   string
	PrivateKey      string // Arbitration signer, hex with or without 0x
	RPCProbeTimeout time.Duration
	RPCRateLimit    int // Requests per second across all endpoints

	// Resolution
	PollInterval     time.Duration
	PollInitialDelay time.Duration
	PollWindow       int64
	DisputeVerdict   int
	ReceiptTimeout   time.Duration
	ReceiptGrace     time.Duration

	// Log follower
	IndexerEnabled       bool
	IndexerStartBlock    uint64
	IndexerBatchSize     uint64
	IndexerConfirmations uint64
	IndexerInterval      time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileWindow   int64

	// Security
	AdminSecret    string   // Guards POST /resolve/:id when set
	RateLimitRPM   int      // Per-client HTTP requests per minute
	AllowedOrigins []string // CORS and WebSocket origins; "*" allows any

	// Tracing
	OTLPEndpoint string
}

// Monad testnet defaults
const (
	DefaultChainID          = 10143
	DefaultEscrowAddress    = "0x9486f6C9d28ECdd95aba5bfa6188Bbc104d89C3e"
	DefaultPort             = "3001"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultRateLimit        = 60
	DefaultRPCRateLimit     = 20
	DefaultPollWindow       = 10
	DefaultBatchSize        = 500
	DefaultReconcileWindow  = 50
	DefaultPollInterval     = 10 * time.Second
	DefaultPollInitialDelay = 2 * time.Second
	DefaultReceiptTimeout   = 60 * time.Second
	DefaultReceiptGrace     = 3 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultIndexerInterval  = 5 * time.Second
	DefaultReconcileEvery   = 5 * time.Minute
)

// DefaultRPCURLs are tried in order when RPC_URLS is unset.
var DefaultRPCURLs = []string{
	"https://rpc.ankr.com/monad_testnet",
	"https://testnet-rpc.monad.xyz",
	"https://monad-testnet.drpc.org",
	"https://monad-testnet.gateway.tatum.io",
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RPCURLs:              getEnvList("RPC_URLS", DefaultRPCURLs),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowAddress:        getEnv("ESCROW_ADDRESS", DefaultEscrowAddress),
		PrivateKey:           os.Getenv("ARBITRO_PRIVATE_KEY"),
		RPCProbeTimeout:      getEnvDuration("RPC_PROBE_TIMEOUT", DefaultProbeTimeout),
		RPCRateLimit:         int(getEnvInt64("RPC_RATE_LIMIT", DefaultRPCRateLimit)),
		PollInterval:         getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PollInitialDelay:     getEnvDuration("POLL_INITIAL_DELAY", DefaultPollInitialDelay),
		PollWindow:           getEnvInt64("POLL_WINDOW", DefaultPollWindow),
		DisputeVerdict:       int(getEnvInt64("DISPUTE_VERDICT", 0)),
		ReceiptTimeout:       getEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout),
		ReceiptGrace:         getEnvDuration("RECEIPT_GRACE", DefaultReceiptGrace),
		IndexerEnabled:       getEnvBool("INDEXER_ENABLED", false),
		IndexerStartBlock:    uint64(getEnvInt64("INDEXER_START_BLOCK", 0)),
		IndexerBatchSize:     uint64(getEnvInt64("INDEXER_BATCH_SIZE", DefaultBatchSize)),
		IndexerConfirmations: uint64(getEnvInt64("INDEXER_CONFIRMATIONS", 0)),
		IndexerInterval:      getEnvDuration("INDEXER_INTERVAL", DefaultIndexerInterval),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		ReconcileWindow:      getEnvInt64("RECONCILE_WINDOW", DefaultReconcileWindow),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:       getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("ARBITRO_PRIVATE_KEY is required")
	}

	key := strings.TrimPrefix(c.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("ARBITRO_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URLS must list at least one endpoint")
	}

	if !common.IsHexAddress(c.EscrowAddress) {
		return fmt.Errorf("ESCROW_ADDRESS is not a valid address: %q", c.EscrowAddress)
	}

	if c.DisputeVerdict < 0 || c.DisputeVerdict > 2 {
		return fmt.Errorf("DISPUTE_VERDICT must be 0, 1 or 2")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.PollWindow <= 0 {
		return fmt.Errorf("POLL_WINDOW must be positive")
	}

	if c.IndexerEnabled && c.IndexerBatchSize == 0 {
		return fmt.Errorf("INDEXER_BATCH_SIZE must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("10s") or bare milliseconds ("10000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
