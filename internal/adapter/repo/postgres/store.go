// Package postgres implements domain.Store against a Postgres schema laid
// out per spec.md §6.4, following the teacher's internal/adapter/repo/postgres
// transaction/tracing/error-wrapping idiom throughout: explicit BeginTx with
// a chosen isolation level, a committed bool plus deferred rollback-if-not-committed,
// otel spans with db.system/db.operation/db.sql.table attributes, and
// fmt.Errorf("op=...: %w", err) wrapping at every call site.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the minimal pgxpool subset the store depends on, so tests can
// substitute a fake without a live database. Mirrors the teacher's
// uploads_repo.go PgxPool interface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Store implements domain.Store.
type Store struct {
	Pool PgxPool
}

// NewStore builds a Store over the given pool.
func NewStore(pool PgxPool) *Store {
	return &Store{Pool: pool}
}
