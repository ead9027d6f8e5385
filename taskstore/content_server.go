package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// GetContentServerByName fetches one ContentServer by its unique FQDN.
func (s *Store) GetContentServerByName(ctx context.Context, name string) (*domain.ContentServer, error) {
	q := `SELECT id, name, auth_username, auth_password_secret, page_size, registration_cron,
	             include_regex, exclude_regex, rollup_health, rollup_health_at
	      FROM content_servers WHERE name = $1`
	row := s.pool.QueryRow(ctx, q, name)
	return scanContentServer(row, name)
}

// ListContentServers returns every known content server.
func (s *Store) ListContentServers(ctx context.Context) ([]*domain.ContentServer, error) {
	q := `SELECT id, name, auth_username, auth_password_secret, page_size, registration_cron,
	             include_regex, exclude_regex, rollup_health, rollup_health_at
	      FROM content_servers ORDER BY name ASC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list content servers: %w", err)
	}
	defer rows.Close()

	var out []*domain.ContentServer
	for rows.Next() {
		cs, err := scanContentServerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpdateServerHealthRollup writes the server-wide rollup health derived
// by the sync driver after per-repo health is recomputed (§4.5.6).
func (s *Store) UpdateServerHealthRollup(ctx context.Context, tx pgx.Tx, serverID int64, health domain.Health, at time.Time) error {
	_, err := execCtx(ctx, tx, s.pool, `UPDATE content_servers SET rollup_health = $1, rollup_health_at = $2 WHERE id = $3`, string(health), at, serverID)
	if err != nil {
		return fmt.Errorf("taskstore: update server health rollup: %w", err)
	}
	return nil
}

func scanContentServer(row pgx.Row, name string) (*domain.ContentServer, error) {
	cs := &domain.ContentServer{}
	var health string
	err := row.Scan(&cs.ID, &cs.Name, &cs.AuthUsername, &cs.AuthPasswordSecret, &cs.PageSize,
		&cs.RegistrationCron, &cs.IncludeRegex, &cs.ExcludeRegex, &health, &cs.RollupHealthAt)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("content server %q not found", name))
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: scan content server: %w", err)
	}
	cs.RollupHealth = domain.Health(health)
	return cs, nil
}

func scanContentServerRows(rows pgx.Rows) (*domain.ContentServer, error) {
	cs := &domain.ContentServer{}
	var health string
	err := rows.Scan(&cs.ID, &cs.Name, &cs.AuthUsername, &cs.AuthPasswordSecret, &cs.PageSize,
		&cs.RegistrationCron, &cs.IncludeRegex, &cs.ExcludeRegex, &health, &cs.RollupHealthAt)
	if err != nil {
		return nil, fmt.Errorf("taskstore: scan content server row: %w", err)
	}
	cs.RollupHealth = domain.Health(health)
	return cs, nil
}
