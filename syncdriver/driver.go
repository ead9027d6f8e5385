// Package syncdriver is the hardest subsystem: it orchestrates, per
// server, a bounded-parallel set of per-repo state machines over the
// content server's own asynchronous task model (§4.5).
package syncdriver

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
	"github.com/pulpfleet/reposync/reconciler"
	"github.com/pulpfleet/reposync/taskstore"
)

// ClientFactory resolves the contentserver.Client for a named server.
// Kept as a function rather than a static map so callers (cmd/worker)
// can lazily construct clients from stored auth material.
type ClientFactory func(serverName string) (*contentserver.Client, error)

// store narrows *taskstore.Store to exactly the methods this package
// calls, so tests can exercise the fan-out state machine against an
// in-memory fake instead of a live Postgres fixture, per SPEC_FULL's
// test-tooling note (testify mock for "the task store interface").
// *taskstore.Store satisfies this interface as-is.
type store interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	GetContentServerByName(ctx context.Context, name string) (*domain.ContentServer, error)
	ListRepos(ctx context.Context, tx pgx.Tx) ([]*domain.Repo, error)
	BulkAddRepos(ctx context.Context, tx pgx.Tx, repos []*domain.Repo) error
	ListServerRepos(ctx context.Context, tx pgx.Tx, serverID int64) ([]*domain.ServerRepo, error)
	ListSyncableServerRepos(ctx context.Context, serverID int64) ([]*domain.ServerRepo, error)
	InsertServerRepo(ctx context.Context, tx pgx.Tx, sr *domain.ServerRepo) error
	UpdateServerRepoFields(ctx context.Context, tx pgx.Tx, serverID, repoID int64, fields map[string]string) error
	UpdateServerRepoHealth(ctx context.Context, tx pgx.Tx, serverID, repoID int64, health domain.Health, at time.Time) error
	DeleteServerRepo(ctx context.Context, tx pgx.Tx, serverID, repoID int64) error
	UpdateServerHealthRollup(ctx context.Context, tx pgx.Tx, serverID int64, health domain.Health, at time.Time) error
	BulkInsertTasksReturning(ctx context.Context, tx pgx.Tx, tasks []*domain.Task) ([]int64, error)
	GetTask(ctx context.Context, tx pgx.Tx, id int64) (*domain.Task, error)
	UpdateTaskState(ctx context.Context, tx pgx.Tx, id int64, to domain.TaskState, taskErr *domain.TaskError) error
	BindServerRepoTask(ctx context.Context, tx pgx.Tx, serverID, repoID, childTaskID int64) error
	RecentTaskStatesForServerRepo(ctx context.Context, serverID, repoID int64, limit int) ([]domain.TaskState, error)
	AppendStage(ctx context.Context, tx pgx.Tx, stage *domain.TaskStage) (int64, error)
	CloseStage(ctx context.Context, tx pgx.Tx, stageID int64, stageErr *domain.TaskError) error
	UpdateStageDetail(ctx context.Context, tx pgx.Tx, stageID int64, detail map[string]any) error
	CurrentStage(ctx context.Context, tx pgx.Tx, taskID int64) (*domain.TaskStage, error)
}

// Config configures the behavior of a Driver. Field names mirror the
// `pulp.*` configuration surface of §6.
type Config struct {
	DebSigningService             string
	RootCACert                    string
	PackageNameReplacementRule    string
	InternalDomains                []string
	PackageNameReplacementPattern  *regexp.Regexp
	BannedPackageRegex             *regexp.Regexp
	PollInterval                   time.Duration
	MaxWait                         time.Duration
}

// Driver runs the repo sync pipeline against one or more content
// servers, sharing a single taskstore.Store.
type Driver struct {
	store  store
	client ClientFactory
	logger *slog.Logger

	// rawStore is the same *taskstore.Store New was given, kept
	// concrete alongside the narrowed store interface above because
	// reconciler.New still takes *taskstore.Store directly (it covers
	// BulkAddServerRepos, which no syncdriver call site needs).
	rawStore *taskstore.Store

	debSigningService             string
	rootCACert                     string
	internalDomains                []string
	packageNameReplacementPattern  *regexp.Regexp
	packageNameReplacementRule     string
	bannedPackageRegex             *regexp.Regexp
	pollInterval                    time.Duration
	maxWait                          time.Duration
}

// New builds a Driver. clients resolves a content-server client by
// server name; store is the shared taskstore.
func New(store *taskstore.Store, clients ClientFactory, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Minute
	}
	return &Driver{
		store:                          store,
		rawStore:                       store,
		client:                         clients,
		logger:                         logger,
		debSigningService:              cfg.DebSigningService,
		rootCACert:                     cfg.RootCACert,
		internalDomains:                cfg.InternalDomains,
		packageNameReplacementPattern:  cfg.PackageNameReplacementPattern,
		packageNameReplacementRule:     cfg.PackageNameReplacementRule,
		bannedPackageRegex:             cfg.BannedPackageRegex,
		pollInterval:                   pollInterval,
		maxWait:                        maxWait,
	}
}

func (d *Driver) newReconciler(ctx context.Context, serverName string) (*reconciler.Reconciler, error) {
	client, err := d.client(serverName)
	if err != nil {
		return nil, err
	}
	return reconciler.New(ctx, d.rawStore, client, serverName, d.logger)
}

func (d *Driver) clientFor(serverName string) (*contentserver.Client, error) {
	client, err := d.client(serverName)
	if err != nil {
		return nil, errs.New(errs.UpstreamFailure, fmt.Sprintf("no content-server client for %q", serverName), errs.WithErr(err))
	}
	return client, nil
}

// ClientFor exposes clientFor to other packages (the job manager's
// snapshot worker) that need a raw content-server client without
// routing through one of the Driver's own operations.
func (d *Driver) ClientFor(serverName string) (*contentserver.Client, error) {
	return d.clientFor(serverName)
}

// SelectSyncable exposes selectSyncable for the snapshot worker, which
// applies the same include/exclude policy §4.5.2 uses for sync_repos.
func SelectSyncable(repos []*domain.ServerRepo, include, exclude *regexp.Regexp) []*domain.ServerRepo {
	return selectSyncable(repos, include, exclude)
}
