package syncdriver

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
)

// repoHealthFor implements §4.5.5's classification of the five most
// recent Task states bound to a ServerRepo via ServerRepoTask, ordered
// by creation time descending (updateRepoHealth reads them).
func repoHealthFor(states []domain.TaskState) domain.Health {
	if len(states) == 0 {
		return domain.HealthUnset
	}
	if states[0] != domain.TaskFailed {
		return domain.HealthGreen
	}
	failed := 0
	for _, s := range states {
		if s == domain.TaskFailed {
			failed++
		}
	}
	if failed >= 4 {
		return domain.HealthRed
	}
	return domain.HealthAmber
}

// updateRepoHealth derives and writes health for one ServerRepo.
func (d *Driver) updateRepoHealth(ctx context.Context, serverID, repoID int64) (domain.Health, error) {
	states, err := d.store.RecentTaskStatesForServerRepo(ctx, serverID, repoID, 5)
	if err != nil {
		return domain.HealthUnset, err
	}
	health := repoHealthFor(states)
	now := time.Now().UTC()
	err = d.store.WithTx(ctx, func(tx pgx.Tx) error {
		return d.store.UpdateServerRepoHealth(ctx, tx, serverID, repoID, health, now)
	})
	return health, err
}

// rollupServerHealth implements §4.5.6: compute the worst per-repo
// status across all of the server's ServerRepos and write it to the
// ContentServer.
func (d *Driver) rollupServerHealth(ctx context.Context, serverID int64) error {
	var repos []*domain.ServerRepo
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := d.store.ListServerRepos(ctx, tx, serverID)
		if err != nil {
			return err
		}
		repos = rows
		return nil
	})
	if err != nil {
		return err
	}

	worst := domain.HealthGreen
	for _, r := range repos {
		worst = worst.Worse(r.Health)
	}

	now := time.Now().UTC()
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		return d.store.UpdateServerHealthRollup(ctx, tx, serverID, worst, now)
	})
}
