// Package config declares this service's configuration surface (§6).
// Loading and env-var binding is an external collaborator's job — the
// process entrypoint in cmd/worker populates a Config and passes it in;
// nothing in this package reads the environment itself, matching how
// the rest of this codebase treats config loading as out of scope for
// the core (see pkg/db.Config for the same convention upstream).
package config

import (
	"time"
)

// Redis configures the connection used for distributed locking
// (jobmanager.RedisLock) and any cache use.
type Redis struct {
	Host string `env:"REDIS_HOST" envDefault:"localhost"`
	Port int    `env:"REDIS_PORT" envDefault:"6379"`
	DB   int    `env:"REDIS_DB" envDefault:"0"`
}

// Paging bounds list endpoints (§4.1/taskstore.Store.MaxPageSize).
type Paging struct {
	MaxPageSize     int `env:"PAGING_MAX_PAGE_SIZE" envDefault:"200"`
	DefaultPageSize int `env:"PAGING_DEFAULT_PAGE_SIZE" envDefault:"50"`
}

// Pulp configures content-server-facing policy consumed by syncdriver
// and registrar (§6).
// PackageNameReplacementPattern and BannedPackageRegex are plain
// strings here; compiling them into *regexp.Regexp is the entrypoint's
// job (see cmd/worker/main.go), matching this package's rule that only
// the process entrypoint does non-trivial value conversion.
type Pulp struct {
	DebSigningService            string `env:"PULP_DEB_SIGNING_SERVICE"`
	InternalDomains               []string `env:"PULP_INTERNAL_DOMAINS" envSeparator:","`
	RemoteTLSValidation           bool   `env:"PULP_REMOTE_TLS_VALIDATION" envDefault:"true"`
	UseHTTPSForSync               bool   `env:"PULP_USE_HTTPS_FOR_SYNC" envDefault:"true"`
	PackageNameReplacementPattern string `env:"PULP_PACKAGE_NAME_REPLACEMENT_PATTERN"`
	PackageNameReplacementRule    string `env:"PULP_PACKAGE_NAME_REPLACEMENT_RULE"`
	BannedPackageRegex            string `env:"PULP_BANNED_PACKAGE_REGEX"`
	ExternalRepoPrefix            string `env:"PULP_EXTERNAL_REPO_PREFIX"`
	InternalRepoPrefix            string `env:"PULP_INTERNAL_REPO_PREFIX"`
	GitRepoConfig                 string `env:"PULP_GIT_REPO_CONFIG"`
	GitRepoConfigDir              string `env:"PULP_GIT_REPO_CONFIG_DIR"`
	LocalRepoConfigDir            string `env:"PULP_LOCAL_REPO_CONFIG_DIR"`
}

// Remotes holds the remote socket timeouts (§6). cmd/worker loads them
// from the environment; no component reads them, and the content-server
// client uses its own fixed 30-second HTTP timeout.
type Remotes struct {
	SockConnectTimeout time.Duration `env:"REMOTES_SOCK_CONNECT_TIMEOUT" envDefault:"10s"`
	SockReadTimeout    time.Duration `env:"REMOTES_SOCK_READ_TIMEOUT" envDefault:"60s"`
}

// CA configures TLS trust for internal remotes (§6, Open Question
// Decision 1's isInternalRemote gate).
type CA struct {
	// RootCAFilePath is overridden by the PULP_MANAGER_CA_FILE
	// environment variable when set, per §6's explicit override rule.
	RootCAFilePath string `env:"CA_ROOT_CA_FILE_PATH"`
}

// Vault configures secret resolution for vault_load_secrets (§4.4,
// §6) and for content-server auth passwords. The client itself is an
// external collaborator (registrar.SecretStore).
type Vault struct {
	VaultAddr           string `env:"VAULT_ADDR"`
	RepoSecretNamespace string `env:"VAULT_REPO_SECRET_NAMESPACE"`

	// ContentServerAuthKV is the kv mount used to resolve a
	// ContentServer's AuthPasswordSecret through the same SecretStore
	// vault_load_secrets uses, keeping one secret-resolution path for
	// both repo-definition secrets and content-server auth material.
	ContentServerAuthKV string `env:"VAULT_CONTENT_SERVER_AUTH_KV" envDefault:"secret"`
}

// Storage configures the S3-compatible backend jobmanager.Snapshotter
// archives snapshot manifests to (pkg/storage.Config).
type Storage struct {
	Bucket    string `env:"STORAGE_BUCKET"`
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`
	Endpoint  string `env:"STORAGE_ENDPOINT"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
}

// Auth names the group whose membership grants administrative access;
// enforcement happens in the (external) HTTP service, not here.
type Auth struct {
	AdminGroup string `env:"AUTH_ADMIN_GROUP"`
}

// Config is the complete configuration surface (§6).
type Config struct {
	DatabaseConnURL string `env:"DATABASE_CONN_URL,required"`

	Redis   Redis
	Paging  Paging
	Pulp    Pulp
	Remotes Remotes
	CA      CA
	Vault   Vault
	Auth    Auth
	Storage Storage

	// GitRepoURL is cloned when a register_repos job carries no local
	// config directory (§4.6 "Install schedules" step 3).
	GitRepoURL string `env:"REGISTRAR_GIT_REPO_URL"`

	// SnapshotBucketPrefix namespaces archived snapshot manifests
	// within the configured S3 bucket.
	SnapshotBucketPrefix string `env:"SNAPSHOT_BUCKET_PREFIX"`

	// InstallScheduleCron drives the singleton schedule-install job.
	InstallScheduleCron string `env:"INSTALL_SCHEDULE_CRON" envDefault:"*/5 * * * *"`

	// MaxWorkers bounds the job manager's default queue concurrency.
	MaxWorkers int `env:"JOB_MAX_WORKERS" envDefault:"50"`

	// HTTPAddr is the health/readiness HTTP surface's listen address.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}
