// Package registrar discovers per-repo JSON definitions in a working
// directory (cloned from Git or supplied locally), resolves secret
// references against a configured secret store, and idempotently
// upserts each definition on a target content server (§4.4).
package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// RepoDef is one repository's effective configuration after merging,
// prefixing, filtering, and secret resolution, per §6's
// repository-definition file schema.
type RepoDef struct {
	Extra                       map[string]any
	VaultLoadSecrets            []VaultSecretRef
	Name                        string
	Owner                       string
	Description                 string
	ContentRepoType             domain.Kind
	BaseURL                     string
	URL                         string
	Proxy                       string
	Releases                    []string
	Architectures               []string
	Components                  []string
	TLSValidation               bool
	IgnoreMissingPackageIndices bool
}

// VaultSecretRef names one secret to resolve and the property on the
// definition it should be bound into.
type VaultSecretRef struct {
	KV             string `json:"kv"`
	Path           string `json:"path"`
	SecretName     string `json:"secret_name"`
	RemoteProperty string `json:"remote_property"`
}

// SecretStore resolves a named secret from wherever vault_load_secrets
// entries point. Kept narrow and external per §1: this core does not
// implement a secret backend, only consumes one.
type SecretStore interface {
	GetSecret(ctx context.Context, kv, path, secretName string) (string, error)
}

// Upserter creates or updates a repository on a target server, per
// §4.5.1's "Upsert (create_or_update_repository)". Implemented by
// syncdriver; kept as an interface here to avoid registrar depending on
// the sync driver's content-server wiring.
type Upserter interface {
	Upsert(ctx context.Context, serverName string, def RepoDef) error
}

// Config configures name-prefixing and include/exclude filtering.
// Empty prefixes disable prefixing, per §4.4 step 2.
type Config struct {
	ExternalPrefix string
	InternalPrefix string
	IncludeRegex   *regexp.Regexp
	ExcludeRegex   *regexp.Regexp
}

// Registrar registers repo definitions found under a working directory
// against one target server.
type Registrar struct {
	secrets SecretStore
	upsert  Upserter
	cfg     Config
	logger  *slog.Logger
}

// New builds a Registrar. secrets may be nil if no definition in the
// tree uses vault_load_secrets.
func New(cfg Config, secrets SecretStore, upsert Upserter, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{cfg: cfg, secrets: secrets, upsert: upsert, logger: logger}
}

// Register walks dir for subpaths "remote/..." and "internal/..." (any
// other top-level subtree is ignored), and for each JSON file other
// than one named global.json: composes the effective config, applies
// prefixing and the include/exclude filter, resolves secrets, and
// upserts the result on serverName.
func (r *Registrar) Register(ctx context.Context, dir, serverName string) error {
	files, err := discoverDefinitionFiles(dir)
	if err != nil {
		return fmt.Errorf("registrar: discover definition files: %w", err)
	}

	for _, f := range files {
		def, skip, err := r.buildDef(ctx, f)
		if err != nil {
			return fmt.Errorf("registrar: %s: %w", f.relPath, err)
		}
		if skip {
			r.logger.DebugContext(ctx, "repo definition excluded by filter", "file", f.relPath, "name", def.Name)
			continue
		}
		if err := r.upsert.Upsert(ctx, serverName, def); err != nil {
			return fmt.Errorf("registrar: upsert %q: %w", def.Name, err)
		}
	}
	return nil
}

type definitionFile struct {
	relPath    string
	absPath    string
	underRemote bool
}

// discoverDefinitionFiles walks dir/remote and dir/internal for *.json
// files, skipping any named global.json.
func discoverDefinitionFiles(dir string) ([]definitionFile, error) {
	var out []definitionFile
	for _, sub := range []struct {
		name       string
		underRemote bool
	}{{"remote", true}, {"internal", false}} {
		root := filepath.Join(dir, sub.name)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if filepath.Ext(path) != ".json" || filepath.Base(path) == "global.json" {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				rel = path
			}
			out = append(out, definitionFile{relPath: rel, absPath: path, underRemote: sub.underRemote})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// buildDef composes, prefixes, filters, and resolves secrets for one
// definition file, returning skip=true if the filter excludes it.
func (r *Registrar) buildDef(ctx context.Context, f definitionFile) (RepoDef, bool, error) {
	fileConfig, err := readJSONMap(f.absPath)
	if err != nil {
		return RepoDef{}, false, err
	}

	effective := fileConfig
	if f.underRemote {
		globalPath := filepath.Join(filepath.Dir(f.absPath), "global.json")
		if _, statErr := os.Stat(globalPath); statErr == nil {
			globalConfig, err := readJSONMap(globalPath)
			if err != nil {
				return RepoDef{}, false, err
			}
			effective = deepMerge(globalConfig, fileConfig)
		}
	}

	def, err := decodeDef(effective)
	if err != nil {
		return RepoDef{}, false, err
	}

	def.Name = applyPrefix(def.Name, f.underRemote, r.cfg)

	if excluded(def.Name, r.cfg) {
		return def, true, nil
	}

	if err := r.resolveSecrets(ctx, &def); err != nil {
		return RepoDef{}, false, err
	}

	return def, false, nil
}

// deepMerge merges src over dst recursively; on key collision a
// non-map src value overrides dst, and nested maps are merged
// recursively rather than replaced wholesale. dst is not mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			incomingMap, incomingIsMap := v.(map[string]any)
			if existingIsMap && incomingIsMap {
				out[k] = deepMerge(existingMap, incomingMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// applyPrefix prefixes name per §4.4 step 2: files under remote/ get
// the external prefix, files under internal/ get the internal prefix,
// unless already present; an empty configured prefix disables the
// step entirely.
func applyPrefix(name string, underRemote bool, cfg Config) string {
	prefix := cfg.InternalPrefix
	if underRemote {
		prefix = cfg.ExternalPrefix
	}
	if prefix == "" || strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// excluded applies the include/exclude regex filter; exclude wins on
// overlap.
func excluded(name string, cfg Config) bool {
	if cfg.ExcludeRegex != nil && cfg.ExcludeRegex.MatchString(name) {
		return true
	}
	if cfg.IncludeRegex != nil && !cfg.IncludeRegex.MatchString(name) {
		return true
	}
	return false
}

// resolveSecrets fetches every vault_load_secrets entry and binds the
// resolved value into def.Extra under its remote_property name.
func (r *Registrar) resolveSecrets(ctx context.Context, def *RepoDef) error {
	if len(def.VaultLoadSecrets) == 0 {
		return nil
	}
	if r.secrets == nil {
		return errs.New(errs.InvalidArgument, "repo definition references vault_load_secrets but no secret store is configured",
			errs.WithDetail(map[string]any{"name": def.Name}))
	}
	if def.Extra == nil {
		def.Extra = map[string]any{}
	}
	for _, ref := range def.VaultLoadSecrets {
		val, err := r.secrets.GetSecret(ctx, ref.KV, ref.Path, ref.SecretName)
		if err != nil {
			return fmt.Errorf("resolve secret %s/%s/%s: %w", ref.KV, ref.Path, ref.SecretName, err)
		}
		def.Extra[ref.RemoteProperty] = val
	}
	return nil
}

func readJSONMap(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func decodeDef(m map[string]any) (RepoDef, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return RepoDef{}, err
	}

	var shape struct {
		Name                        string           `json:"name"`
		Owner                       string           `json:"owner"`
		Description                 string           `json:"description"`
		ContentRepoType             string           `json:"content_repo_type"`
		BaseURL                     string           `json:"base_url"`
		URL                         string           `json:"url"`
		Proxy                       string           `json:"proxy"`
		TLSValidation               bool             `json:"tls_validation"`
		Releases                    []string         `json:"releases"`
		Architectures               []string         `json:"architectures"`
		Components                  []string         `json:"components"`
		IgnoreMissingPackageIndices bool             `json:"ignore_missing_package_indices"`
		VaultLoadSecrets            []VaultSecretRef `json:"vault_load_secrets"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return RepoDef{}, fmt.Errorf("decode repo definition: %w", err)
	}

	kind := domain.Kind(shape.ContentRepoType)
	if kind == "iso" {
		kind = domain.KindFile
	}
	if !domain.ValidKind(kind) {
		return RepoDef{}, errs.New(errs.InvalidArgument, "unrecognized content_repo_type: "+shape.ContentRepoType)
	}

	releases := shape.Releases
	if len(releases) == 0 && kind == domain.KindDeb {
		releases = []string{"stable"}
	}

	known := map[string]struct{}{
		"name": {}, "owner": {}, "description": {}, "content_repo_type": {}, "base_url": {},
		"url": {}, "proxy": {}, "tls_validation": {}, "releases": {}, "architectures": {},
		"components": {}, "ignore_missing_package_indices": {}, "vault_load_secrets": {},
	}
	extra := map[string]any{}
	for k, v := range m {
		if _, ok := known[k]; !ok {
			extra[k] = v
		}
	}

	return RepoDef{
		Name:                        shape.Name,
		Owner:                       shape.Owner,
		Description:                 shape.Description,
		ContentRepoType:             kind,
		BaseURL:                     shape.BaseURL,
		URL:                         shape.URL,
		Proxy:                       shape.Proxy,
		TLSValidation:               shape.TLSValidation,
		Releases:                    releases,
		Architectures:               shape.Architectures,
		Components:                  shape.Components,
		IgnoreMissingPackageIndices: shape.IgnoreMissingPackageIndices,
		VaultLoadSecrets:            shape.VaultLoadSecrets,
		Extra:                       extra,
	}, nil
}
