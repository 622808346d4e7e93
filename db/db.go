// Package db persists confirmed pairings in Postgres so they survive restarts.
// Persistence is optional: the bridge runs entirely in memory when no DSN is set.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// ErrNoDSN is returned by Connect when persistence is not configured.
var ErrNoDSN = errors.New("db: DB_DSN not set")

// Connect opens a Postgres connection pool for dsn and checks it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// Migrate applies the schema with idempotent DDL. It backs up RunMigrations on
// databases where the versioned migrator cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairings (
			account TEXT PRIMARY KEY,
			steam_id BIGINT NOT NULL UNIQUE,
			paired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE pairings ADD COLUMN IF NOT EXISTS paired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
