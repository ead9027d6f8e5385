package syncdriver

import (
	"context"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// RemoveContentOptions parameterizes an ad-hoc remove_repo_content task,
// mirroring queue_remove_content_task's args in the original job
// manager.
type RemoveContentOptions struct {
	ServerName    string
	RepoName      string
	ContentHandle string
	ForcePublish  bool
}

// RemoveContent implements the ad-hoc "remove content unit from repo"
// operation: modify the repository to drop the one content unit, then
// publish if content was actually removed or ForcePublish was
// requested. Unlike the per-repo sync state machine, this is a single
// synchronous call (no TaskStage bookkeeping beyond the wrapping Task
// the job manager already tracks), since there is exactly one
// server-side operation chain per invocation.
func (d *Driver) RemoveContent(ctx context.Context, opts RemoveContentOptions) error {
	server, err := d.store.GetContentServerByName(ctx, opts.ServerName)
	if err != nil {
		return err
	}
	client, err := d.clientFor(opts.ServerName)
	if err != nil {
		return err
	}

	sr, kind, err := d.findServerRepoByName(ctx, server.ID, opts.RepoName)
	if err != nil {
		return err
	}

	handle, err := client.ModifyRepository(ctx, sr.RepositoryHandle, []string{opts.ContentHandle})
	if err != nil {
		return err
	}
	modifyTask, err := client.Monitor(ctx, handle, d.pollInterval, d.maxWait)
	if err != nil {
		return err
	}

	removed := modifyTask != nil && len(modifyTask.CreatedResources) > 0
	if !removed && !opts.ForcePublish {
		return nil
	}
	basePath, err := d.distributionBasePath(ctx, client, kind, sr.DistributionHandle)
	if err != nil {
		return err
	}
	body := publicationBody(kind, sr.RepositoryHandle, basePath)
	pubHandle, err := client.CreatePublication(ctx, kind, body)
	if err != nil {
		return err
	}
	_, err = client.Monitor(ctx, pubHandle, d.pollInterval, d.maxWait)
	return err
}

// RemovalOptions parameterizes an ad-hoc repo_removal task, mirroring
// queue_removal_task's args.
type RemovalOptions struct {
	ServerName   string
	IncludeRegex *regexp.Regexp
	ExcludeRegex *regexp.Regexp
	DryRun       bool
}

// RemoveRepos implements repo_removal: delete the remote, repository,
// and distribution of every matched ServerRepo on the content server
// and drop its local binding, grounded on the original's
// delete-by-href-then-monitor sequence. A DryRun only logs what would
// be deleted.
func (d *Driver) RemoveRepos(ctx context.Context, opts RemovalOptions) error {
	server, err := d.store.GetContentServerByName(ctx, opts.ServerName)
	if err != nil {
		return err
	}
	client, err := d.clientFor(opts.ServerName)
	if err != nil {
		return err
	}

	var repos []*domain.ServerRepo
	err = d.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := d.store.ListServerRepos(ctx, tx, server.ID)
		if err != nil {
			return err
		}
		repos = rows
		return nil
	})
	if err != nil {
		return err
	}
	selected := selectSyncable(repos, opts.IncludeRegex, opts.ExcludeRegex)

	for _, r := range selected {
		if opts.DryRun {
			d.logger.Info("dry run: would remove repo", "server", opts.ServerName, "repo", r.Name)
			continue
		}
		for _, handle := range []string{r.DistributionHandle, r.RepositoryHandle, r.RemoteHandle} {
			if handle == "" {
				continue
			}
			taskHandle, err := client.DeleteResource(ctx, handle)
			if err != nil {
				return err
			}
			if _, err := client.Monitor(ctx, taskHandle, d.pollInterval, d.maxWait); err != nil {
				return err
			}
		}
		if err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
			return d.store.DeleteServerRepo(ctx, tx, server.ID, r.RepoID)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) findServerRepoByName(ctx context.Context, serverID int64, name string) (*domain.ServerRepo, domain.Kind, error) {
	var (
		found *domain.ServerRepo
		kind  domain.Kind
	)
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		repos, err := d.store.ListServerRepos(ctx, tx, serverID)
		if err != nil {
			return err
		}
		for _, r := range repos {
			if r.Name == name {
				found = r
				break
			}
		}
		if found == nil {
			return nil
		}
		allRepos, err := d.store.ListRepos(ctx, tx)
		if err != nil {
			return err
		}
		for _, r := range allRepos {
			if r.ID == found.RepoID {
				kind = r.Kind
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if found == nil {
		return nil, "", errs.New(errs.NotFound, "server repo not found: "+name)
	}
	return found, kind, nil
}
