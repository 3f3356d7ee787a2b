// Arbitro - dispute arbitration service for the ACAL escrow
package main

import (
	"context"
	"errors"
	"os"

	"github.com/acal-network/arbitro/internal/config"
	"github.com/acal-network/arbitro/internal/logging"
	"github.com/acal-network/arbitro/internal/rpcpool"
	"github.com/acal-network/arbitro/internal/server"
	"github.com/acal-network/arbitro/internal/wallet"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level is known
	logger := logging.New("info", "text")

	logger.Info("starting arbitro",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow", cfg.EscrowAddress,
		"rpc_endpoints", len(cfg.RPCURLs),
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		switch {
		case errors.Is(err, rpcpool.ErrNoEndpointAvailable):
			logger.Error("no RPC endpoint available", "error", err)
		case errors.Is(err, wallet.ErrArbitroMismatch):
			logger.Error("configured key is not the contract arbitro", "error", err)
		default:
			logger.Error("server error", "error", err)
		}
		os.Exit(1)
	}
}
