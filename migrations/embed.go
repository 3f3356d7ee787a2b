// Package migrations embeds the goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Setup points goose at the embedded migrations and the postgres dialect.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
