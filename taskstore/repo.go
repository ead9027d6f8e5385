package taskstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
)

// ListRepos returns every known Repo, regardless of server binding.
func (s *Store) ListRepos(ctx context.Context, tx pgx.Tx) ([]*domain.Repo, error) {
	rows, err := queryCtx(ctx, tx, s.pool, `SELECT id, name, kind FROM repos`)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list repos: %w", err)
	}
	defer rows.Close()

	var out []*domain.Repo
	for rows.Next() {
		r := &domain.Repo{}
		var kind string
		if err := rows.Scan(&r.ID, &r.Name, &kind); err != nil {
			return nil, fmt.Errorf("taskstore: scan repo: %w", err)
		}
		r.Kind = domain.Kind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// BulkAddRepos inserts Repo rows for names not already present,
// skipping any that already exist (ON CONFLICT DO NOTHING), matching
// the reconciler's "insert any repository names not in the local Repo
// table" step (§4.3 step 3). The first failing row's error is returned;
// the reconciler logs it and carries on, since its repo-name-discovery
// step commits independently of the later ServerRepo add/update/delete
// step (see SPEC_FULL.md's Supplemented features on transaction
// granularity).
func (s *Store) BulkAddRepos(ctx context.Context, tx pgx.Tx, repos []*domain.Repo) error {
	for _, r := range repos {
		_, err := execCtx(ctx, tx, s.pool,
			`INSERT INTO repos (name, kind) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			r.Name, string(r.Kind))
		if err != nil {
			return fmt.Errorf("taskstore: bulk add repos: %w", err)
		}
	}
	return nil
}
