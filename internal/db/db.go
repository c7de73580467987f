// Package db provides PostgreSQL-backed repository implementations for the
// BillFetch orchestration engine. All repositories accept a DBTX interface
// that is satisfied by both *pgxpool.Pool (for normal queries) and pgx.Tx
// (for transactional execution), enabling clean transaction support.
//
// The two load-bearing invariants of the data model are enforced here at the
// storage layer, not just in application logic:
//
//   - retrieval_jobs is unique on (account_id, period_start, period_end)
//     among non-deleted rows (partial unique index), and JobRepository
//     inserts with ON CONFLICT DO NOTHING so a collision is "already
//     exists", never an error.
//   - vendor_executions is unique on (job_id, request_type, execution_date),
//     and ExecutionRepository records attempts with a conditional insert so
//     the ledger check-then-record is atomic.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"billfetch/internal/config"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Repositories accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a pgx connection pool from the database configuration and
// verifies connectivity with a ping.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// isNoRows reports whether the error is pgx's no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isUniqueViolation checks if the error is a PostgreSQL unique constraint
// violation (error code 23505). Used by repositories to detect duplicate
// inserts that the idempotent paths treat as "already exists".
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
