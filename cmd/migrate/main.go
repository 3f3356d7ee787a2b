// Command migrate manages the ledger schema with goose.
//
// Usage:
//
//	migrate up                # apply pending migrations
//	migrate down              # roll back the newest migration
//	migrate status            # list applied and pending migrations
//	migrate version           # print the schema version
//	migrate redo              # roll back and re-apply the newest migration
//	migrate up-to <version>
//	migrate down-to <version>
//
// DATABASE_URL is read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/acal-network/arbitro/internal/logging"
	"github.com/acal-network/arbitro/internal/retry"
	"github.com/acal-network/arbitro/migrations"
)

const usage = "usage: migrate <up|down|status|version|redo|up-to N|down-to N>"

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	_ = godotenv.Load()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err = retry.Do(ctx, retry.Policy{Attempts: 3, BaseDelay: time.Second}, func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := migrations.Setup(); err != nil {
		logger.Error("failed to configure goose", "error", err)
		os.Exit(1)
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}
