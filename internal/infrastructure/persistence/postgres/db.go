// Package postgres provides the durable persistence adapters backed by
// PostgreSQL via lib/pq. The schema is embedded and applied idempotently
// at startup.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	_ "github.com/lib/pq"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
)

//go:embed schema.sql
var schemaSQL string

// Options tune the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions are sized for a single registry instance.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string, opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperrors.NewDatabaseError("open", "failed to open database", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.NewDatabaseError("ping", "database unreachable", err)
	}
	return db, nil
}

// EnsureSchema applies the embedded schema. All statements are idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return apperrors.NewDatabaseError("migrate", "failed to apply schema", err)
	}
	return nil
}
