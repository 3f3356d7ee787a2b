//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PGContainer returns a migrated database. POSTGRES_URL is used when set;
// otherwise a throwaway postgres container is started and terminated when
// the test ends.
func PGContainer(t *testing.T) *sql.DB {
	t.Helper()

	if url := os.Getenv("POSTGRES_URL"); url != "" {
		db, cleanup := Open(t, url)
		t.Cleanup(cleanup)
		return db
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("arbitro_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("pgtest: docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	db, cleanup := Open(t, connStr)
	t.Cleanup(cleanup)
	return db
}
