package syncdriver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// allKinds is reconciled for every server; the reconciler itself is
// kind-agnostic, but the content server's API is namespaced by kind, so
// every call site needs the full enumeration.
var allKinds = []domain.Kind{domain.KindRPM, domain.KindDeb, domain.KindFile, domain.KindPython, domain.KindContainer}

// SyncOptions parameterizes one sync_repos run (§4.5.2), mirroring the
// args a scheduled or ad-hoc Task carries.
type SyncOptions struct {
	ServerName         string
	UpstreamServerName string
	IncludeRegex       *regexp.Regexp
	ExcludeRegex       *regexp.Regexp
	MaxConcurrent      int
	ParentTaskID       int64
}

// SyncServer runs §4.5.2's sync_repos: reconcile, select, fan out,
// derive health. It is meant to be invoked as the body of a
// TaskRepoGroupSync (or ad-hoc TaskRepoSync) worker job.
func (d *Driver) SyncServer(ctx context.Context, opts SyncOptions) error {
	server, err := d.store.GetContentServerByName(ctx, opts.ServerName)
	if err != nil {
		return err
	}

	rec, err := d.newReconciler(ctx, opts.ServerName)
	if err != nil {
		return err
	}
	if err := rec.Reconcile(ctx, allKinds); err != nil {
		return err
	}

	candidates, err := d.store.ListSyncableServerRepos(ctx, server.ID)
	if err != nil {
		return err
	}
	selected := selectSyncable(candidates, opts.IncludeRegex, opts.ExcludeRegex)
	if len(selected) == 0 {
		d.logger.Info("no syncable repos selected", "server", opts.ServerName)
		return nil
	}

	if opts.UpstreamServerName != "" {
		if err := d.applyUpstreamRemotes(ctx, server, opts.UpstreamServerName, selected); err != nil {
			return err
		}
	}

	units, err := d.createChildTasks(ctx, server.ID, selected)
	if err != nil {
		return err
	}

	client, err := d.clientFor(opts.ServerName)
	if err != nil {
		return err
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if err := d.fanOut(ctx, client, units, maxConcurrent, opts.ParentTaskID); err != nil {
		return err
	}

	for _, u := range units {
		if _, err := d.updateRepoHealth(ctx, server.ID, u.repo.RepoID); err != nil {
			d.logger.Error("update repo health", "server", opts.ServerName, "repo", u.repo.Name, "error", err)
		}
	}
	return d.rollupServerHealth(ctx, server.ID)
}

// selectSyncable applies §4.5.2 step 2's include/exclude filter: exclude
// wins when both match.
func selectSyncable(repos []*domain.ServerRepo, include, exclude *regexp.Regexp) []*domain.ServerRepo {
	var out []*domain.ServerRepo
	for _, r := range repos {
		if exclude != nil && exclude.MatchString(r.Name) {
			continue
		}
		if include != nil && !include.MatchString(r.Name) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// applyUpstreamRemotes implements §3/§9's slave-sync: when a
// ServerRepoGroup names an upstream ContentServer, each selected repo's
// remote is repointed at that upstream server's own published
// distribution for the same repo name before the sync runs, mirroring
// the original implementation's
// create_or_update_repository_source_pulp_server. repos is mutated in
// place so createChildTasks and fanOut see the repointed remote; a repo
// with no same-named distribution on the upstream server is left
// untouched and syncs from whatever remote it already has.
func (d *Driver) applyUpstreamRemotes(ctx context.Context, server *domain.ContentServer, upstreamServerName string, repos []*domain.ServerRepo) error {
	upstream, err := d.clientFor(upstreamServerName)
	if err != nil {
		return err
	}
	local, err := d.clientFor(server.Name)
	if err != nil {
		return err
	}

	for _, kind := range allKinds {
		upstreamDists, err := upstream.ListDistributions(ctx, kind, nil)
		if err != nil {
			return err
		}
		distByName := make(map[string]contentserver.Distribution, len(upstreamDists))
		for _, dist := range upstreamDists {
			distByName[dist.Name] = dist
		}

		for _, r := range repos {
			dist, ok := distByName[r.Name]
			if !ok {
				continue
			}
			feedURL := upstream.BaseURL() + "/" + strings.TrimLeft(dist.BasePath, "/") + "/"

			existingRemote, err := findRemote(ctx, local, kind, r.Name)
			if err != nil {
				return err
			}
			remoteBody := contentserver.Remote{Name: r.Name, URL: feedURL, TLSValidation: true}
			task, err := local.CreateOrUpdateRemote(ctx, kind, existingRemote, remoteBody)
			if err != nil {
				return err
			}
			if _, err := local.Monitor(ctx, task, d.pollInterval, d.maxWait); err != nil {
				return err
			}
			remote, err := findRemote(ctx, local, kind, r.Name)
			if err != nil {
				return err
			}
			if remote == nil {
				return errs.New(errs.UpstreamFailure, "upstream-sourced remote not found after create/update: "+r.Name)
			}

			r.RemoteHandle = remote.Handle
			r.RemoteFeed = feedURL
			if err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
				return d.store.UpdateServerRepoFields(ctx, tx, server.ID, r.RepoID, r.Fields())
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// createChildTasks implements §4.5.2 step 3: bulk-insert one child Task
// per selected repo and bind a ServerRepoTask row to each, in one
// transaction.
func (d *Driver) createChildTasks(ctx context.Context, serverID int64, repos []*domain.ServerRepo) ([]*syncUnit, error) {
	units := make([]*syncUnit, 0, len(repos))
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		allRepos, err := d.store.ListRepos(ctx, tx)
		if err != nil {
			return err
		}
		kindByID := make(map[int64]domain.Kind, len(allRepos))
		for _, r := range allRepos {
			kindByID[r.ID] = r.Kind
		}

		tasks := make([]*domain.Task, 0, len(repos))
		for _, r := range repos {
			tasks = append(tasks, &domain.Task{
				Name:  fmt.Sprintf("sync repo %s", r.Name),
				Type:  domain.TaskRepoSync,
				State: domain.TaskQueued,
				Args:  map[string]any{"server_id": serverID, "repo_id": r.RepoID, "repo_name": r.Name},
			})
		}
		ids, err := d.store.BulkInsertTasksReturning(ctx, tx, tasks)
		if err != nil {
			return err
		}
		if len(ids) != len(repos) {
			return errs.New(errs.IntegrityFailure, "child task count mismatch")
		}
		for i, r := range repos {
			if err := d.store.BindServerRepoTask(ctx, tx, serverID, r.RepoID, ids[i]); err != nil {
				return err
			}
			units = append(units, &syncUnit{
				repo: r,
				kind: kindByID[r.RepoID],
				task: &domain.Task{ID: ids[i], Name: tasks[i].Name, Type: domain.TaskRepoSync, State: domain.TaskQueued},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}
