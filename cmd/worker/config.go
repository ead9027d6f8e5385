package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pulpfleet/reposync/config"
)

// loadConfig binds config.Config's documented environment variables.
// This is the one place in the module that reads the environment — the
// rest of the codebase treats config loading as an external concern
// (see config.Config's doc comment and pkg/db.Config, which documents
// its own env vars without importing a parsing library).
func loadConfig() (config.Config, error) {
	cfg := config.Config{
		DatabaseConnURL: os.Getenv("DATABASE_CONN_URL"),
		Redis: config.Redis{
			Host: getenv("REDIS_HOST", "localhost"),
			Port: getenvInt("REDIS_PORT", 6379),
			DB:   getenvInt("REDIS_DB", 0),
		},
		Paging: config.Paging{
			MaxPageSize:     getenvInt("PAGING_MAX_PAGE_SIZE", 200),
			DefaultPageSize: getenvInt("PAGING_DEFAULT_PAGE_SIZE", 50),
		},
		Pulp: config.Pulp{
			DebSigningService:             os.Getenv("PULP_DEB_SIGNING_SERVICE"),
			InternalDomains:               getenvList("PULP_INTERNAL_DOMAINS"),
			RemoteTLSValidation:           getenvBool("PULP_REMOTE_TLS_VALIDATION", true),
			UseHTTPSForSync:               getenvBool("PULP_USE_HTTPS_FOR_SYNC", true),
			PackageNameReplacementPattern: os.Getenv("PULP_PACKAGE_NAME_REPLACEMENT_PATTERN"),
			PackageNameReplacementRule:    os.Getenv("PULP_PACKAGE_NAME_REPLACEMENT_RULE"),
			BannedPackageRegex:            os.Getenv("PULP_BANNED_PACKAGE_REGEX"),
			ExternalRepoPrefix:            os.Getenv("PULP_EXTERNAL_REPO_PREFIX"),
			InternalRepoPrefix:            os.Getenv("PULP_INTERNAL_REPO_PREFIX"),
			GitRepoConfig:                 os.Getenv("PULP_GIT_REPO_CONFIG"),
			GitRepoConfigDir:              os.Getenv("PULP_GIT_REPO_CONFIG_DIR"),
			LocalRepoConfigDir:            os.Getenv("PULP_LOCAL_REPO_CONFIG_DIR"),
		},
		Remotes: config.Remotes{
			SockConnectTimeout: getenvDuration("REMOTES_SOCK_CONNECT_TIMEOUT", 10*time.Second),
			SockReadTimeout:    getenvDuration("REMOTES_SOCK_READ_TIMEOUT", 60*time.Second),
		},
		CA: config.CA{
			RootCAFilePath: os.Getenv("CA_ROOT_CA_FILE_PATH"),
		},
		Vault: config.Vault{
			VaultAddr:            os.Getenv("VAULT_ADDR"),
			RepoSecretNamespace:  os.Getenv("VAULT_REPO_SECRET_NAMESPACE"),
			ContentServerAuthKV:  getenv("VAULT_CONTENT_SERVER_AUTH_KV", "secret"),
		},
		Auth: config.Auth{
			AdminGroup: os.Getenv("AUTH_ADMIN_GROUP"),
		},
		Storage: config.Storage{
			Bucket:    os.Getenv("STORAGE_BUCKET"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			Region:    getenv("STORAGE_REGION", "us-east-1"),
		},
		GitRepoURL:           os.Getenv("REGISTRAR_GIT_REPO_URL"),
		SnapshotBucketPrefix: os.Getenv("SNAPSHOT_BUCKET_PREFIX"),
		InstallScheduleCron:  getenv("INSTALL_SCHEDULE_CRON", "*/5 * * * *"),
		MaxWorkers:           getenvInt("JOB_MAX_WORKERS", 50),
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
	}

	if cfg.DatabaseConnURL == "" {
		return cfg, errRequired("DATABASE_CONN_URL")
	}
	return cfg, nil
}

func errRequired(name string) error {
	return &requiredEnvError{name: name}
}

type requiredEnvError struct{ name string }

func (e *requiredEnvError) Error() string {
	return "missing required environment variable " + e.name
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getenvList(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
