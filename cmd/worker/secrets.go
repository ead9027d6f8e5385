package main

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/pulpfleet/reposync/config"
	"github.com/pulpfleet/reposync/pkg/cache"
	"github.com/pulpfleet/reposync/registrar"
)

// vaultSecretStore implements registrar.SecretStore against a real
// Vault server, resolving vault_load_secrets entries (§4.4 step 4) and
// ContentServer.AuthPasswordSecret (cmd/worker/main.go's clientFactory)
// through one KV v2 read path.
type vaultSecretStore struct {
	client *vaultapi.Client
}

func newVaultSecretStore(cfg config.Vault) (*vaultSecretStore, error) {
	if cfg.VaultAddr == "" {
		return nil, nil
	}
	vcfg := vaultapi.DefaultConfig()
	vcfg.Address = cfg.VaultAddr
	client, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("build vault client: %w", err)
	}
	return &vaultSecretStore{client: client}, nil
}

// GetSecret reads one named key out of the KV v2 secret stored at
// kv/data/path, matching the repository-definition schema's
// {kv, path, secret_name} triple.
func (s *vaultSecretStore) GetSecret(ctx context.Context, kv, path, secretName string) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("secrets: no vault client configured (vault.vault_addr unset)")
	}
	secret, err := s.client.KVv2(kv).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secrets: read %s/data/%s: %w", kv, path, err)
	}
	raw, ok := secret.Data[secretName]
	if !ok {
		return "", fmt.Errorf("secrets: key %q not found at %s/data/%s", secretName, kv, path)
	}
	val, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secrets: key %q at %s/data/%s is not a string", secretName, kv, path)
	}
	return val, nil
}

// secretCacheTTL bounds how long a resolved secret is reused before the
// next lookup goes back to Vault, so a rotated credential is picked up
// within one cache lifetime rather than requiring a process restart.
const secretCacheTTL = 5 * time.Minute

// cachedSecretStore memoizes GetSecret lookups, since registration and
// sync both re-resolve the same ContentServer.AuthPasswordSecret (and
// RepoDef secret triples) on every scheduled run.
type cachedSecretStore struct {
	store registrar.SecretStore
	cache cache.Cache[string]
}

func newCachedSecretStore(store registrar.SecretStore) *cachedSecretStore {
	return &cachedSecretStore{
		store: store,
		cache: cache.NewMemory[string](cache.WithDefaultTTL(secretCacheTTL)),
	}
}

func (s *cachedSecretStore) GetSecret(ctx context.Context, kv, path, secretName string) (string, error) {
	key := kv + "|" + path + "|" + secretName
	return cache.GetOrSet(ctx, s.cache, key, func(ctx context.Context) (string, time.Duration, error) {
		val, err := s.store.GetSecret(ctx, kv, path, secretName)
		return val, 0, err
	})
}
