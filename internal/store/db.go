// Package store holds the shared infrastructure handles the sync
// service is built on: the postgres pool behind the record store and
// the redis client behind the queue, pub/sub fan-out and statistics.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB is the postgres handle behind the attendance record store. The
// pool stays small: concurrent batches touching the same records
// serialize on row locks anyway, so extra connections would only queue
// inside postgres.
type DB struct {
	Client *sql.DB
}

// NewDB opens the pool and verifies connectivity once. The returned
// handle is usable even when the initial ping fails; callers decide
// whether a cold database is fatal.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return &DB{Client: db}, db.PingContext(pingCtx)
}

// Healthy reports whether the database answers within a short deadline.
// Serves the health endpoint only; the sync path surfaces store
// failures through its own error taxonomy.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
