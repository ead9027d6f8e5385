// Package reconciler reconciles the repositories, remotes, and
// distributions actually present on a content server against the
// local record of what that server is expected to hold. It is the
// Go counterpart to the original PulpReconciler service, preserving
// its exact two-tier transaction granularity (§4.3): repo-name
// discovery commits independently and tolerates partial failure,
// while the add/update/delete block is all-or-nothing.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
	"github.com/pulpfleet/reposync/taskstore"
)

// repoInstance mirrors the Python PulpRepoInstance namedtuple: the
// repository, remote, and distribution handles the content server
// reports for one repo name.
type repoInstance struct {
	name              string
	repositoryHandle  string
	remoteHandle      string
	remoteFeed        string
	distributionHandle string
}

// Reconciler reconciles one content server's repository set.
type Reconciler struct {
	store  *taskstore.Store
	client *contentserver.Client
	server *domain.ContentServer
	logger *slog.Logger
}

// New loads the named content server and returns a Reconciler bound to
// it, or a NotFound error if no such server is registered.
func New(ctx context.Context, store *taskstore.Store, client *contentserver.Client, serverName string, logger *slog.Logger) (*Reconciler, error) {
	server, err := store.GetContentServerByName(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, client: client, server: server, logger: logger}, nil
}

var repoKindPattern = regexp.MustCompile(`^/pulp/api/v3/repositories/([a-z]+)/`)

// Reconcile fetches the server's repositories/remotes/distributions of
// every content kind, reconciles repo names into the local Repo table,
// then computes and applies the add/update/delete set of ServerRepo
// bindings (§4.3).
func (r *Reconciler) Reconcile(ctx context.Context, kinds []domain.Kind) error {
	r.logger.InfoContext(ctx, "reconciling repos for content server", "server", r.server.Name)

	instances, err := r.fetchRepoInstances(ctx, kinds)
	if err != nil {
		return fmt.Errorf("reconciler: fetch repo instances: %w", err)
	}

	repos, err := r.addMissingRepos(ctx, instances)
	if err != nil {
		return fmt.Errorf("reconciler: add missing repos: %w", err)
	}

	existing, err := r.store.ListServerRepos(ctx, nil, r.server.ID)
	if err != nil {
		return fmt.Errorf("reconciler: list server repos: %w", err)
	}
	existingByRepoID := make(map[int64]*domain.ServerRepo, len(existing))
	for _, sr := range existing {
		existingByRepoID[sr.RepoID] = sr
	}

	toAdd, toUpdate, toDelete := r.calculateChanges(instances, repos, existingByRepoID)

	r.logger.DebugContext(ctx, "reconcile plan", "server", r.server.Name,
		"to_add", len(toAdd), "to_update", len(toUpdate), "to_delete", len(toDelete))

	err = r.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.store.BulkAddServerRepos(ctx, tx, toAdd); err != nil {
			return err
		}
		for repoID, fields := range toUpdate {
			if err := r.store.UpdateServerRepoFields(ctx, tx, r.server.ID, repoID, fields); err != nil {
				return err
			}
		}
		for _, repoID := range toDelete {
			if err := r.store.DeleteServerRepo(ctx, tx, r.server.ID, repoID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "error updating repos for content server", "server", r.server.Name, "error", err)
		return fmt.Errorf("reconciler: apply changes: %w", err)
	}

	r.logger.InfoContext(ctx, "successfully reconciled repos for content server", "server", r.server.Name)
	return nil
}

// fetchRepoInstances lists every repository/remote/distribution of the
// given content kinds and resolves, for each repo name, its remote by
// href-match first and name-match fallback, matching
// _get_pulp_server_repo_instances exactly.
func (r *Reconciler) fetchRepoInstances(ctx context.Context, kinds []domain.Kind) (map[string]repoInstance, error) {
	repoByName := map[string]contentserver.Repository{}
	remoteByHref := map[string]contentserver.Remote{}
	remoteByName := map[string]contentserver.Remote{}
	distributionByName := map[string]contentserver.Distribution{}

	for _, kind := range kinds {
		repos, err := r.client.ListRepositories(ctx, kind, nil)
		if err != nil {
			return nil, err
		}
		for _, repo := range repos {
			repoByName[repo.Name] = repo
		}

		remotes, err := r.client.ListRemotes(ctx, kind, nil)
		if err != nil {
			return nil, err
		}
		for _, remote := range remotes {
			remoteByName[remote.Name] = remote
			remoteByHref[remote.Handle] = remote
		}

		distributions, err := r.client.ListDistributions(ctx, kind, nil)
		if err != nil {
			return nil, err
		}
		for _, dist := range distributions {
			distributionByName[dist.Name] = dist
		}
	}

	instances := make(map[string]repoInstance, len(repoByName))
	for name, repo := range repoByName {
		var remoteHandle, remoteFeed string
		if repo.Remote != "" {
			if remote, ok := remoteByHref[repo.Remote]; ok {
				remoteHandle = remote.Handle
				remoteFeed = remote.URL
			}
		} else if remote, ok := remoteByName[name]; ok {
			remoteHandle = remote.Handle
			remoteFeed = remote.URL
		}

		var distributionHandle string
		if dist, ok := distributionByName[name]; ok {
			distributionHandle = dist.Handle
		}

		instances[name] = repoInstance{
			name:                name,
			repositoryHandle:    repo.Handle,
			remoteHandle:        remoteHandle,
			remoteFeed:          remoteFeed,
			distributionHandle:  distributionHandle,
		}
	}
	return instances, nil
}

// addMissingRepos inserts any repo names the server reports that are
// not yet known locally, then returns the full local Repo set keyed by
// name. This step commits independently of the add/update/delete
// block: a failure here is logged and tolerated, not propagated,
// matching _add_missing_repos's own try/rollback-and-continue.
func (r *Reconciler) addMissingRepos(ctx context.Context, instances map[string]repoInstance) (map[string]*domain.Repo, error) {
	known, err := r.store.ListRepos(ctx, nil)
	if err != nil {
		return nil, err
	}
	knownByName := make(map[string]*domain.Repo, len(known))
	for _, repo := range known {
		knownByName[repo.Name] = repo
	}

	var missing []*domain.Repo
	for name, inst := range instances {
		if _, ok := knownByName[name]; ok {
			continue
		}
		kind, err := repoKindFromHandle(inst.repositoryHandle)
		if err != nil {
			r.logger.WarnContext(ctx, "cannot derive repo kind, skipping", "repo", name, "error", err)
			continue
		}
		missing = append(missing, &domain.Repo{Name: name, Kind: kind})
	}

	if len(missing) > 0 {
		r.logger.InfoContext(ctx, "repo names to add", "server", r.server.Name, "count", len(missing))
		err := r.store.WithTx(ctx, func(tx pgx.Tx) error {
			return r.store.BulkAddRepos(ctx, tx, missing)
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to add repos to db", "error", err)
		}

		known, err = r.store.ListRepos(ctx, nil)
		if err != nil {
			return nil, err
		}
		knownByName = make(map[string]*domain.Repo, len(known))
		for _, repo := range known {
			knownByName[repo.Name] = repo
		}
	}

	return knownByName, nil
}

// calculateChanges mirrors _calculate_repos_to_add/_to_update/_to_delete:
// repos reported by the server but not yet bound are additions; repos
// bound both locally and remotely whose tracked fields differ are
// updates (only the differing fields are written); bindings whose name
// is no longer reported by the server are deletions.
func (r *Reconciler) calculateChanges(instances map[string]repoInstance, repos map[string]*domain.Repo, existingByRepoID map[int64]*domain.ServerRepo) ([]*domain.ServerRepo, map[int64]map[string]string, []int64) {
	var toAdd []*domain.ServerRepo
	toUpdate := map[int64]map[string]string{}

	for name, inst := range instances {
		repo, ok := repos[name]
		if !ok {
			continue
		}
		existing, bound := existingByRepoID[repo.ID]
		if !bound {
			toAdd = append(toAdd, &domain.ServerRepo{
				ServerID:           r.server.ID,
				RepoID:             repo.ID,
				Name:               name,
				RepositoryHandle:   inst.repositoryHandle,
				RemoteHandle:       inst.remoteHandle,
				RemoteFeed:         inst.remoteFeed,
				DistributionHandle: inst.distributionHandle,
			})
			continue
		}

		wanted := domain.ServerRepo{
			RepositoryHandle:   inst.repositoryHandle,
			RemoteHandle:       inst.remoteHandle,
			RemoteFeed:         inst.remoteFeed,
			DistributionHandle: inst.distributionHandle,
		}.Fields()
		current := existing.Fields()

		diff := map[string]string{}
		for field, wantVal := range wanted {
			if current[field] != wantVal {
				diff[field] = wantVal
			}
		}
		if len(diff) > 0 {
			toUpdate[repo.ID] = diff
		}
	}

	var toDelete []int64
	for repoID, existing := range existingByRepoID {
		if _, stillPresent := instances[existing.Name]; !stillPresent {
			toDelete = append(toDelete, repoID)
		}
	}

	return toAdd, toUpdate, toDelete
}

func repoKindFromHandle(handle string) (domain.Kind, error) {
	m := repoKindPattern.FindStringSubmatch(handle)
	if m == nil {
		return "", errs.New(errs.UpstreamFailure, "cannot derive content kind from handle: "+handle)
	}
	kind := domain.Kind(m[1])
	if !domain.ValidKind(kind) {
		return "", errs.New(errs.UpstreamFailure, "unrecognized content kind in handle: "+handle)
	}
	return kind, nil
}
