// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"

	"github.com/acal-network/arbitro/migrations"
)

// PGTest opens a test database connection, applies the goose migrations
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is not set, the test is skipped.
// The cleanup function resets the ledger tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	return Open(t, dbURL)
}

// Open connects to dbURL and migrates it to the latest version.
func Open(t *testing.T, dbURL string) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		_ = Reset(ctx, db)
		_ = db.Close()
	}
	return db, cleanup
}

// Migrate applies every embedded migration.
func Migrate(ctx context.Context, db *sql.DB) error {
	return migrations.Up(ctx, db)
}

// ledgerTables lists every table the migrations create, children first.
var ledgerTables = []string{
	"order_events",
	"payment_confirmations",
	"resolution_records",
	"orders",
	"global_stats",
	"indexer_cursors",
}

// Reset empties the ledger so each test starts from an unseen chain.
func Reset(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(ledgerTables, ", ")+" CASCADE")
	return err
}
