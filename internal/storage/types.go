// Package storage provides the typed, transactional DocStore adapter the
// core consumes, backed by PostgreSQL. Every "collection" named by the
// spec (events, quotations, orders, distributed_locks, ...) is one
// JSONB-backed table; this file holds the shared connection type and
// the sentinel errors every store operation can return.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

var (
	// ErrNotFound is returned when a Get/Update/Delete target does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned when Set with a create-only option collides.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrFailedPrecondition is returned when an optimistic/CAS check fails.
	ErrFailedPrecondition = errors.New("failed precondition")
	// ErrUnavailable is returned for transient connectivity failures.
	ErrUnavailable = errors.New("store unavailable")
	// ErrTxConflict is returned when a transaction loses a write race and
	// exhausted its retry budget.
	ErrTxConflict = errors.New("transaction conflict")
)

// Connection wraps a pooled *sql.DB. Kept as a named type (rather than a
// bare *sql.DB) so the adapter can attach behavior (HealthCheck, Stats)
// without leaking the driver-specific type into callers.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled PostgreSQL connection and verifies
// connectivity with an immediate health check.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy with timeout.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully. Safe to call
// multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns database connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// IsNotFound reports whether err (or one of its wrapped causes) is
// ErrNotFound, the terminal outcome of a Get/Update/Delete against a
// missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is the store's transient,
// retryable-by-the-caller failure class.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsAlreadyExists reports whether err is a uniqueness-constraint
// violation on a Set/create-only path.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
