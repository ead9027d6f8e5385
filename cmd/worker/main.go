// Command worker runs the fleet-sync job manager: it opens the shared
// Postgres pool, wires the sync driver and registrar against whichever
// content servers are configured, starts the River-backed job manager
// (§4.6), and serves liveness/readiness endpoints until terminated.
//
// Configuration loading is this entrypoint's job alone (§1's "out of
// scope" list names config loading as an external collaborator of the
// core); everything downstream of config.Config is plain Go wiring.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/pulpfleet/reposync/config"
	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/jobmanager"
	"github.com/pulpfleet/reposync/pkg/health"
	"github.com/pulpfleet/reposync/pkg/logger"
	pkgredis "github.com/pulpfleet/reposync/pkg/redis"
	"github.com/pulpfleet/reposync/pkg/storage"
	"github.com/pulpfleet/reposync/registrar"
	"github.com/pulpfleet/reposync/syncdriver"
	"github.com/pulpfleet/reposync/taskstore"
)

func main() {
	log := logger.New().With("app", "reposync-worker")

	if err := run(log); err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	store, err := taskstore.Open(ctx, cfg.DatabaseConnURL, cfg.Paging.MaxPageSize)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%d/%d", cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.DB)
	redisClient, err := pkgredis.Open(ctx, redisURL)
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}

	vaultStore, err := newVaultSecretStore(cfg.Vault)
	if err != nil {
		return fmt.Errorf("build secret store: %w", err)
	}
	var secrets registrar.SecretStore = newCachedSecretStore(vaultStore)

	packageNamePattern, err := compileOptional(cfg.Pulp.PackageNameReplacementPattern)
	if err != nil {
		return fmt.Errorf("compile pulp.package_name_replacement_pattern: %w", err)
	}
	bannedPackageRegex, err := compileOptional(cfg.Pulp.BannedPackageRegex)
	if err != nil {
		return fmt.Errorf("compile pulp.banned_package_regex: %w", err)
	}
	rootCACert := ""
	path := cfg.CA.RootCAFilePath
	if envPath := os.Getenv("PULP_MANAGER_CA_FILE"); envPath != "" {
		path = envPath
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read root CA file %q: %w", path, err)
		}
		rootCACert = string(data)
	}

	clients := newClientFactory(store, secrets, cfg)

	driver := syncdriver.New(store, clients, syncdriver.Config{
		DebSigningService:             cfg.Pulp.DebSigningService,
		RootCACert:                    rootCACert,
		PackageNameReplacementRule:    cfg.Pulp.PackageNameReplacementRule,
		InternalDomains:               cfg.Pulp.InternalDomains,
		PackageNameReplacementPattern: packageNamePattern,
		BannedPackageRegex:            bannedPackageRegex,
	}, log)

	s3Backend, err := storage.New(storage.Config{
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		return fmt.Errorf("build storage backend: %w", err)
	}
	snapshotter := jobmanager.NewSnapshotter(store, driver, s3Backend, cfg.SnapshotBucketPrefix)
	lock := jobmanager.NewRedisLock(redisClient, "reposync")

	manager, err := jobmanager.New(store.Pool(), store, driver, secrets, snapshotter, lock, jobmanager.Config{
		MaxWorkers: cfg.MaxWorkers,
		RegistrarConfig: registrar.Config{
			ExternalPrefix: cfg.Pulp.ExternalRepoPrefix,
			InternalPrefix: cfg.Pulp.InternalRepoPrefix,
		},
		GitRepoURL:          cfg.GitRepoURL,
		InstallScheduleCron: cfg.InstallScheduleCron,
	}, log)
	if err != nil {
		return fmt.Errorf("build job manager: %w", err)
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	checks := health.Checks{
		"postgres": func(ctx context.Context) error { return store.Ping(ctx) },
		"redis":    pkgredis.Healthcheck(redisClient),
	}

	return serveHTTP(ctx, cfg.HTTPAddr, checks, log, func(shutdownCtx context.Context) error {
		return manager.Stop(shutdownCtx)
	})
}

// compileOptional compiles expr if non-empty, returning a nil
// *regexp.Regexp (meaning "no filter") when expr is blank.
func compileOptional(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// newClientFactory resolves a contentserver.Client by server name,
// looking up the server's stored auth material and decrypting its
// password through the shared secret store.
func newClientFactory(store *taskstore.Store, secrets registrar.SecretStore, cfg config.Config) syncdriver.ClientFactory {
	scheme := "http"
	if cfg.Pulp.UseHTTPSForSync {
		scheme = "https"
	}
	return func(serverName string) (*contentserver.Client, error) {
		server, err := store.GetContentServerByName(context.Background(), serverName)
		if err != nil {
			return nil, err
		}
		password := ""
		if server.AuthPasswordSecret != "" {
			password, err = secrets.GetSecret(context.Background(), cfg.Vault.ContentServerAuthKV, cfg.Vault.RepoSecretNamespace, server.AuthPasswordSecret)
			if err != nil {
				return nil, err
			}
		}
		baseURL := fmt.Sprintf("%s://%s", scheme, server.Name)
		pageSize := server.PageSize
		return contentserver.New(baseURL, server.AuthUsername, password, contentserver.WithPageSize(pageSize)), nil
	}
}
