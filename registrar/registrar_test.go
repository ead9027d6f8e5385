package registrar_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/registrar"
)

type fakeUpserter struct {
	defs []registrar.RepoDef
}

func (f *fakeUpserter) Upsert(_ context.Context, serverName string, def registrar.RepoDef) error {
	f.defs = append(f.defs, def)
	return nil
}

type fakeSecretStore struct {
	values map[string]string
}

func (f *fakeSecretStore) GetSecret(_ context.Context, kv, path, secretName string) (string, error) {
	return f.values[kv+"/"+path+"/"+secretName], nil
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
}

func TestRegistrar_Register_MergesPrefixesFiltersAndResolvesSecrets(t *testing.T) {
	dir := t.TempDir()

	writeJSON(t, filepath.Join(dir, "remote", "global.json"), map[string]any{
		"proxy": "http://proxy.example",
	})
	writeJSON(t, filepath.Join(dir, "remote", "centos8.json"), map[string]any{
		"name":              "centos8",
		"content_repo_type": "rpm",
		"base_url":          "mirror",
		"url":               "https://upstream.example/centos8",
	})
	writeJSON(t, filepath.Join(dir, "remote", "blocked.json"), map[string]any{
		"name":              "blocked-repo",
		"content_repo_type": "rpm",
		"base_url":          "mirror",
	})
	writeJSON(t, filepath.Join(dir, "internal", "secret-repo.json"), map[string]any{
		"name":              "secretrepo",
		"content_repo_type": "deb",
		"base_url":          "mirror",
		"vault_load_secrets": []map[string]any{
			{"kv": "kv1", "path": "p", "secret_name": "token", "remote_property": "auth_token"},
		},
	})

	upserter := &fakeUpserter{}
	secrets := &fakeSecretStore{values: map[string]string{"kv1/p/token": "s3cr3t"}}

	cfg := registrar.Config{
		ExternalPrefix: "ext-",
		InternalPrefix: "int-",
		ExcludeRegex:   regexp.MustCompile(`^ext-blocked`),
	}
	r := registrar.New(cfg, secrets, upserter, nil)

	require.NoError(t, r.Register(context.Background(), dir, "server-a"))

	require.Len(t, upserter.defs, 2)

	byName := map[string]registrar.RepoDef{}
	for _, d := range upserter.defs {
		byName[d.Name] = d
	}

	centos, ok := byName["ext-centos8"]
	require.True(t, ok)
	assert.Equal(t, domain.KindRPM, centos.ContentRepoType)
	assert.Equal(t, "http://proxy.example", centos.Proxy)

	secretRepo, ok := byName["int-secretrepo"]
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", secretRepo.Extra["auth_token"])

	_, blocked := byName["ext-blocked-repo"]
	assert.False(t, blocked)
}

func TestRegistrar_Register_MissingSecretStoreErrors(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "internal", "repo.json"), map[string]any{
		"name":              "repo",
		"content_repo_type": "rpm",
		"vault_load_secrets": []map[string]any{
			{"kv": "kv1", "path": "p", "secret_name": "token", "remote_property": "auth_token"},
		},
	})

	r := registrar.New(registrar.Config{}, nil, &fakeUpserter{}, nil)
	err := r.Register(context.Background(), dir, "server-a")
	assert.Error(t, err)
}

func TestRegistrar_Register_IsoAliasesToFile(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "internal", "isos.json"), map[string]any{
		"name":              "isos",
		"content_repo_type": "iso",
	})

	upserter := &fakeUpserter{}
	r := registrar.New(registrar.Config{}, nil, upserter, nil)
	require.NoError(t, r.Register(context.Background(), dir, "server-a"))

	require.Len(t, upserter.defs, 1)
	assert.Equal(t, domain.KindFile, upserter.defs[0].ContentRepoType)
}
