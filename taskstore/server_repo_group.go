package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulpfleet/reposync/domain"
)

// ListServerRepoGroups returns every sync group configured for a
// server.
func (s *Store) ListServerRepoGroups(ctx context.Context, serverID int64) ([]*domain.ServerRepoGroup, error) {
	q := `SELECT id, server_id, cron, max_concurrent, max_runtime_seconds, include_regex, exclude_regex,
	             upstream_server_id, sync_options
	      FROM server_repo_groups WHERE server_id = $1`
	rows, err := s.pool.Query(ctx, q, serverID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list server repo groups: %w", err)
	}
	defer rows.Close()

	var out []*domain.ServerRepoGroup
	for rows.Next() {
		g := &domain.ServerRepoGroup{}
		var runtimeSeconds int
		var optsJSON []byte
		if err := rows.Scan(&g.ID, &g.ServerID, &g.Cron, &g.MaxConcurrent, &runtimeSeconds, &g.IncludeRegex,
			&g.ExcludeRegex, &g.UpstreamServerID, &optsJSON); err != nil {
			return nil, fmt.Errorf("taskstore: scan server repo group: %w", err)
		}
		g.MaxRuntime = time.Duration(runtimeSeconds) * time.Second
		g.SyncOptionsJSON = optsJSON
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListAllServerRepoGroupsWithSchedule returns every group across every
// server that has a non-null cron schedule, used by the job manager to
// (re)install schedules at startup (§4.6).
func (s *Store) ListAllServerRepoGroupsWithSchedule(ctx context.Context) ([]*domain.ServerRepoGroup, error) {
	q := `SELECT id, server_id, cron, max_concurrent, max_runtime_seconds, include_regex, exclude_regex,
	             upstream_server_id, sync_options
	      FROM server_repo_groups WHERE cron != ''`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list scheduled server repo groups: %w", err)
	}
	defer rows.Close()

	var out []*domain.ServerRepoGroup
	for rows.Next() {
		g := &domain.ServerRepoGroup{}
		var runtimeSeconds int
		var optsJSON []byte
		if err := rows.Scan(&g.ID, &g.ServerID, &g.Cron, &g.MaxConcurrent, &runtimeSeconds, &g.IncludeRegex,
			&g.ExcludeRegex, &g.UpstreamServerID, &optsJSON); err != nil {
			return nil, fmt.Errorf("taskstore: scan server repo group: %w", err)
		}
		g.MaxRuntime = time.Duration(runtimeSeconds) * time.Second
		g.SyncOptionsJSON = optsJSON
		out = append(out, g)
	}
	return out, rows.Err()
}

// SyncOptions unmarshals a group's free-form sync_options JSON.
func (s *Store) SyncOptions(g *domain.ServerRepoGroup) (map[string]any, error) {
	if len(g.SyncOptionsJSON) == 0 {
		return nil, nil
	}
	var opts map[string]any
	if err := json.Unmarshal(g.SyncOptionsJSON, &opts); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal sync options: %w", err)
	}
	return opts, nil
}
