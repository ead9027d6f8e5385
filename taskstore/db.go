package taskstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// queryRow runs a query against tx when one is supplied, or the pool
// directly otherwise; every store method accepts an optional tx so
// callers can group several writes into one commit (per §4.1's
// side-effect discipline: mutations do not commit until the caller
// asks).
func queryRow(ctx context.Context, tx pgx.Tx, pool *pgxpool.Pool, sql string, args ...any) pgx.Row {
	if tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return pool.QueryRow(ctx, sql, args...)
}

// execCtx runs a statement against tx when one is supplied, or the pool
// directly otherwise.
func execCtx(ctx context.Context, tx pgx.Tx, pool *pgxpool.Pool, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return pool.Exec(ctx, sql, args...)
}

// queryCtx runs a multi-row query against tx when one is supplied, or
// the pool directly otherwise.
func queryCtx(ctx context.Context, tx pgx.Tx, pool *pgxpool.Pool, sql string, args ...any) (pgx.Rows, error) {
	if tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return pool.Query(ctx, sql, args...)
}
