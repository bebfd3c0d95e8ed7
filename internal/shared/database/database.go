package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is a Postgres connection pool holding the build history
type DB struct {
	Pool *pgxpool.Pool
}

// New connects to connString and checks the connection
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the builds table when missing
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id          text PRIMARY KEY,
	instance_id text NOT NULL DEFAULT '',
	image_id    text NOT NULL DEFAULT '',
	image_name  text NOT NULL DEFAULT '',
	steps       integer NOT NULL,
	succeeded   boolean NOT NULL,
	error       text NOT NULL DEFAULT '',
	tags        jsonb NOT NULL DEFAULT '[]',
	started_at  timestamptz NOT NULL,
	finished_at timestamptz NOT NULL
)`
