package taskstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
)

// BindServerRepoTask records that childTaskID was created to sync the
// (serverID, repoID) binding, enabling health windowing.
func (s *Store) BindServerRepoTask(ctx context.Context, tx pgx.Tx, serverID, repoID, childTaskID int64) error {
	_, err := execCtx(ctx, tx, s.pool,
		`INSERT INTO server_repo_tasks (server_id, repo_id, task_id) VALUES ($1, $2, $3)`,
		serverID, repoID, childTaskID)
	if err != nil {
		return fmt.Errorf("taskstore: bind server repo task: %w", err)
	}
	return nil
}

// RecentTaskStatesForServerRepo returns the current states of the last
// limit Tasks bound to (serverID, repoID), newest first. Binding rows
// written in one transaction share date_created (now() is fixed per
// transaction), so the binding row's id breaks ties.
func (s *Store) RecentTaskStatesForServerRepo(ctx context.Context, serverID, repoID int64, limit int) ([]domain.TaskState, error) {
	q := `SELECT t.state FROM server_repo_tasks srt
	      JOIN tasks t ON t.id = srt.task_id
	      WHERE srt.server_id = $1 AND srt.repo_id = $2
	      ORDER BY srt.date_created DESC, srt.id DESC
	      LIMIT $3`
	rows, err := s.pool.Query(ctx, q, serverID, repoID, limit)
	if err != nil {
		return nil, fmt.Errorf("taskstore: recent task states: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskState
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("taskstore: scan recent task state: %w", err)
		}
		out = append(out, domain.TaskState(state))
	}
	return out, rows.Err()
}
