// Package db is the PostgreSQL store for applicants and the admin audit trail.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/committee-portal/internal/metrics"
	"github.com/onnwee/committee-portal/internal/tracing"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// PoolOptions tunes the connection pool. Zero values keep database/sql defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, connStr string, opts PoolOptions) (*sql.DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// DBTX is the subset of *sql.DB and *sql.Tx the store uses.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store runs the portal's queries.
type Store struct {
	conn *sql.DB
	db   DBTX
}

// New wraps an open connection pool.
func New(conn *sql.DB) *Store {
	return &Store{conn: conn, db: conn}
}

// DB exposes the underlying connection so sibling stores can share it.
func (s *Store) DB() DBTX { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.observe(ctx, "ping", func(ctx context.Context) error {
		return s.conn.PingContext(ctx)
	})
}

// Close closes the pool.
func (s *Store) Close() error { return s.conn.Close() }

// observe times op, counts its failures and wraps it in a span.
// ErrNotFound is a normal outcome and is not counted as an error.
func (s *Store) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "db."+op,
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
	)
	start := time.Now()
	err := fn(ctx)
	metrics.DBOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.DBOperationErrors.WithLabelValues(op).Inc()
		tracing.End(span, err)
		return err
	}
	tracing.End(span, nil)
	return err
}
