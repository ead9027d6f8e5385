// Package taskstore is the durable record of every unit of tracked work:
// Tasks, their stages, and the entities the sync pipeline operates over
// (content servers, repos, server bindings, sync groups). It is a thin,
// transactional layer over PostgreSQL; mutations never commit until the
// caller asks, and readers only ever see committed state.
package taskstore

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulpfleet/reposync/pkg/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps a connection pool with the queries every component needs.
// MaxPageSize bounds every paged query; exceeding it fails closed with
// PageSizeTooLarge before any row is read.
type Store struct {
	pool        *pgxpool.Pool
	MaxPageSize int
}

// Open connects to Postgres and applies the task store's own migrations
// (Task, TaskStage, ContentServer, Repo, ServerRepo, ServerRepoGroup,
// ServerRepoTask) using the same pool helper every other component in
// this codebase uses.
func Open(ctx context.Context, connString string, maxPageSize int, opts ...db.Option) (*Store, error) {
	opts = append(opts, db.WithMigrations(migrations))
	pool, err := db.Open(ctx, connString, opts...)
	if err != nil {
		return nil, err
	}
	return New(pool, maxPageSize), nil
}

// New wraps an already-open pool. Used by callers that manage the pool's
// lifecycle themselves (e.g. sharing it with the job manager).
func New(pool *pgxpool.Pool, maxPageSize int) *Store {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Store{pool: pool, MaxPageSize: maxPageSize}
}

// Pool exposes the underlying pool for components (the job manager, the
// health checker) that need to share it rather than open a second one.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

// Ping is the store's health.CheckFunc.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
