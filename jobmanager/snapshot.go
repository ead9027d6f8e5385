package jobmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
	"github.com/pulpfleet/reposync/pkg/storage"
	"github.com/pulpfleet/reposync/syncdriver"
	"github.com/pulpfleet/reposync/taskstore"
)

// SnapshotOptions parameterizes one repo_snapshot run, mirroring the
// original's queue_snapshot_task args.
type SnapshotOptions struct {
	ServerName         string
	SnapshotPrefix     string
	AllowSnapshotReuse bool
	IncludeRegex       *regexp.Regexp
	ExcludeRegex       *regexp.Regexp
}

// Snapshotter implements repo_snapshot. It creates (or, when reuse is
// allowed, updates) a prefixed distribution for each selected repository
// (a Pulp-native snapshot, not a file copy); the distribution points at
// the repository itself, not at a pinned version, so it serves the
// repository's latest version. It additionally archives a JSON manifest of what was
// snapshotted to S3, so a snapshot run leaves a durable, queryable
// record even after the Pulp-side distribution is later pruned.
type Snapshotter interface {
	Snapshot(ctx context.Context, opts SnapshotOptions) error
}

// manifestEntry is one repository's record within a snapshot manifest.
type manifestEntry struct {
	RepoName            string `json:"repo_name"`
	Kind                string `json:"kind"`
	RepositoryVersion   string `json:"repository_version"`
	SnapshotDistribution string `json:"snapshot_distribution_handle"`
	SnapshotBasePath    string `json:"snapshot_base_path"`
}

// manifest is the JSON document archived to S3 for one snapshot run.
type manifest struct {
	ServerName     string          `json:"server_name"`
	SnapshotPrefix string          `json:"snapshot_prefix"`
	TakenAt        time.Time       `json:"taken_at"`
	Repos          []manifestEntry `json:"repos"`
}

// snapshotter is the concrete Snapshotter, grounded on
// pulp_manager.app.services.pulp_manager.PulpManager.create_distribution
// (a new distribution under a prefixed base_path, pointed at the
// repository itself rather than a pinned version, matching how the
// original lets Pulp serve "latest" through the snapshot alias) plus
// an S3-archived manifest of what that run covered.
type snapshotter struct {
	store        *taskstore.Store
	driver       *syncdriver.Driver
	backend      storage.Storage
	bucketPrefix string
}

// NewSnapshotter builds the default repo_snapshot implementation.
// driver resolves a content-server client by name; backend archives the
// run's manifest.
func NewSnapshotter(store *taskstore.Store, driver *syncdriver.Driver, backend storage.Storage, bucketPrefix string) Snapshotter {
	return &snapshotter{store: store, driver: driver, backend: backend, bucketPrefix: bucketPrefix}
}

func (s *snapshotter) Snapshot(ctx context.Context, opts SnapshotOptions) error {
	if opts.SnapshotPrefix == "" {
		return errs.New(errs.InvalidArgument, "snapshot_prefix is required")
	}

	server, err := s.store.GetContentServerByName(ctx, opts.ServerName)
	if err != nil {
		return err
	}
	client, err := s.driver.ClientFor(opts.ServerName)
	if err != nil {
		return err
	}

	var repos []*domain.ServerRepo
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := s.store.ListServerRepos(ctx, tx, server.ID)
		if err != nil {
			return err
		}
		repos = rows
		return nil
	})
	if err != nil {
		return err
	}

	var allRepos []*domain.Repo
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := s.store.ListRepos(ctx, tx)
		if err != nil {
			return err
		}
		allRepos = rows
		return nil
	})
	if err != nil {
		return err
	}
	kindByRepoID := make(map[int64]domain.Kind, len(allRepos))
	for _, r := range allRepos {
		kindByRepoID[r.ID] = r.Kind
	}

	selected := syncdriver.SelectSyncable(repos, opts.IncludeRegex, opts.ExcludeRegex)
	man := manifest{ServerName: opts.ServerName, SnapshotPrefix: opts.SnapshotPrefix, TakenAt: time.Now().UTC(), Repos: make([]manifestEntry, 0, len(selected))}

	for _, r := range selected {
		kind := kindByRepoID[r.RepoID]

		existingDists, err := client.ListDistributions(ctx, kind, nil)
		if err != nil {
			return err
		}
		snapshotName := opts.SnapshotPrefix + "-" + r.Name
		snapshotBasePath := opts.SnapshotPrefix + "/" + r.Name

		var existing *contentserver.Distribution
		for i := range existingDists {
			if existingDists[i].Name == snapshotName {
				existing = &existingDists[i]
				break
			}
		}
		if existing != nil && !opts.AllowSnapshotReuse {
			return errs.New(errs.InvalidState, fmt.Sprintf("snapshot distribution %q already exists and reuse is not allowed", snapshotName))
		}

		body := contentserver.Distribution{Name: snapshotName, BasePath: snapshotBasePath, Repo: r.RepositoryHandle}
		taskHandle, err := client.CreateOrUpdateDistribution(ctx, kind, existing, body)
		if err != nil {
			return err
		}
		serverTask, err := client.Monitor(ctx, taskHandle, 2*time.Second, 10*time.Minute)
		if err != nil {
			return err
		}

		handle := ""
		if existing != nil {
			handle = existing.Handle
		} else if serverTask != nil {
			for _, h := range serverTask.CreatedResources {
				handle = h
			}
		}

		man.Repos = append(man.Repos, manifestEntry{
			RepoName:             r.Name,
			Kind:                 string(kind),
			RepositoryVersion:    r.RepositoryHandle + "versions/latest/",
			SnapshotDistribution: handle,
			SnapshotBasePath:     snapshotBasePath,
		})
	}

	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("jobmanager: marshal snapshot manifest: %w", err)
	}
	key := fmt.Sprintf("%s/%s-manifest.json", opts.ServerName, opts.SnapshotPrefix)
	if s.bucketPrefix != "" {
		key = s.bucketPrefix + "/" + key
	}
	_, err = s.backend.Put(ctx, bytes.NewReader(data), int64(len(data)), storage.WithKey(key), storage.WithContentType("application/json"))
	if err != nil {
		return fmt.Errorf("jobmanager: archive snapshot manifest: %w", err)
	}
	return nil
}
