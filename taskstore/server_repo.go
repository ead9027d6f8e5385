package taskstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
)

// ListServerRepos returns every ServerRepo bound to a server, joined
// with the Repo name so callers don't need a second round trip.
func (s *Store) ListServerRepos(ctx context.Context, tx pgx.Tx, serverID int64) ([]*domain.ServerRepo, error) {
	q := `SELECT sr.server_id, sr.repo_id, r.name, sr.remote_href, sr.repo_href, sr.distribution_href,
	             sr.remote_feed, sr.health, sr.health_at
	      FROM server_repos sr JOIN repos r ON r.id = sr.repo_id
	      WHERE sr.server_id = $1`
	rows, err := queryCtx(ctx, tx, s.pool, q, serverID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list server repos: %w", err)
	}
	defer rows.Close()
	return scanServerRepos(rows)
}

// ListSyncableServerRepos returns ServerRepos on serverID with a
// non-null remote_feed, the population the sync driver selects from
// before applying include/exclude regex (§4.5.2 step 2).
func (s *Store) ListSyncableServerRepos(ctx context.Context, serverID int64) ([]*domain.ServerRepo, error) {
	q := `SELECT sr.server_id, sr.repo_id, r.name, sr.remote_href, sr.repo_href, sr.distribution_href,
	             sr.remote_feed, sr.health, sr.health_at
	      FROM server_repos sr JOIN repos r ON r.id = sr.repo_id
	      WHERE sr.server_id = $1 AND sr.remote_feed != ''`
	rows, err := s.pool.Query(ctx, q, serverID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list syncable server repos: %w", err)
	}
	defer rows.Close()
	return scanServerRepos(rows)
}

// InsertServerRepo creates a ServerRepo binding.
func (s *Store) InsertServerRepo(ctx context.Context, tx pgx.Tx, sr *domain.ServerRepo) error {
	_, err := execCtx(ctx, tx, s.pool,
		`INSERT INTO server_repos (server_id, repo_id, remote_href, repo_href, distribution_href, remote_feed)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sr.ServerID, sr.RepoID, sr.RemoteHandle, sr.RepositoryHandle, sr.DistributionHandle, sr.RemoteFeed)
	if err != nil {
		return fmt.Errorf("taskstore: insert server repo: %w", err)
	}
	return nil
}

// BulkAddServerRepos inserts many ServerRepo bindings in one call.
func (s *Store) BulkAddServerRepos(ctx context.Context, tx pgx.Tx, rows []*domain.ServerRepo) error {
	for _, sr := range rows {
		if err := s.InsertServerRepo(ctx, tx, sr); err != nil {
			return err
		}
	}
	return nil
}

// UpdateServerRepoFields writes only the supplied fields against the
// (serverID, repoID) binding, matching the reconciler's "only differing
// fields are written" rule (§4.3 step 4).
func (s *Store) UpdateServerRepoFields(ctx context.Context, tx pgx.Tx, serverID, repoID int64, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	setClause := ""
	args := []any{}
	n := 0
	for col, val := range fields {
		n++
		if n > 1 {
			setClause += ", "
		}
		setClause += fmt.Sprintf("%s = $%d", col, n)
		args = append(args, val)
	}
	args = append(args, serverID, repoID)
	q := fmt.Sprintf("UPDATE server_repos SET %s WHERE server_id = $%d AND repo_id = $%d", setClause, n+1, n+2)
	_, err := execCtx(ctx, tx, s.pool, q, args...)
	if err != nil {
		return fmt.Errorf("taskstore: update server repo fields: %w", err)
	}
	return nil
}

// BulkUpdateServerRepos applies each update by (serverID, repoID) key.
func (s *Store) BulkUpdateServerRepos(ctx context.Context, tx pgx.Tx, serverID int64, updates map[int64]map[string]string) error {
	for repoID, fields := range updates {
		if err := s.UpdateServerRepoFields(ctx, tx, serverID, repoID, fields); err != nil {
			return err
		}
	}
	return nil
}

// DeleteServerRepo removes a binding, used when the reconciler finds a
// ServerRepo whose name is absent from the fetched set (§4.3 step 4).
func (s *Store) DeleteServerRepo(ctx context.Context, tx pgx.Tx, serverID, repoID int64) error {
	_, err := execCtx(ctx, tx, s.pool, `DELETE FROM server_repos WHERE server_id = $1 AND repo_id = $2`, serverID, repoID)
	if err != nil {
		return fmt.Errorf("taskstore: delete server repo: %w", err)
	}
	return nil
}

// UpdateServerRepoHealth writes the per-repo health derived by the sync
// driver (§4.5.5).
func (s *Store) UpdateServerRepoHealth(ctx context.Context, tx pgx.Tx, serverID, repoID int64, health domain.Health, at time.Time) error {
	_, err := execCtx(ctx, tx, s.pool, `UPDATE server_repos SET health = $1, health_at = $2 WHERE server_id = $3 AND repo_id = $4`,
		string(health), at, serverID, repoID)
	if err != nil {
		return fmt.Errorf("taskstore: update server repo health: %w", err)
	}
	return nil
}

func scanServerRepos(rows pgx.Rows) ([]*domain.ServerRepo, error) {
	var out []*domain.ServerRepo
	for rows.Next() {
		sr := &domain.ServerRepo{}
		var health string
		if err := rows.Scan(&sr.ServerID, &sr.RepoID, &sr.Name, &sr.RemoteHandle, &sr.RepositoryHandle,
			&sr.DistributionHandle, &sr.RemoteFeed, &health, &sr.HealthAt); err != nil {
			return nil, fmt.Errorf("taskstore: scan server repo: %w", err)
		}
		sr.Health = domain.Health(health)
		out = append(out, sr)
	}
	return out, rows.Err()
}
