package syncdriver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
	"github.com/pulpfleet/reposync/registrar"
)

// Upsert implements registrar.Upserter and §4.5.1's
// create_or_update_repository: it lists-then-creates-or-updates the
// remote, repository, and distribution for one definition, in that
// order, then binds the result to the local ServerRepo row. Every DB
// write is one commit; on SQL error it rolls back and re-raises.
func (d *Driver) Upsert(ctx context.Context, serverName string, def registrar.RepoDef) error {
	server, err := d.store.GetContentServerByName(ctx, serverName)
	if err != nil {
		return err
	}
	client, err := d.client(serverName)
	if err != nil {
		return err
	}

	basePath, err := d.basePath(def)
	if err != nil {
		return err
	}

	var remoteHandle, remoteFeed string
	if def.URL != "" {
		existingRemote, err := findRemote(ctx, client, def.ContentRepoType, def.Name)
		if err != nil {
			return err
		}
		tlsValidation := def.TLSValidation
		caCert := ""
		if d.isInternalRemote(def.URL) {
			tlsValidation = true
			caCert = d.rootCACert
		}
		remoteBody := contentserver.Remote{Name: def.Name, URL: def.URL, TLSValidation: tlsValidation, CACert: caCert}
		if def.ContentRepoType == domain.KindDeb {
			remoteBody.Extra = debRemoteExtra(def)
		}
		task, err := client.CreateOrUpdateRemote(ctx, def.ContentRepoType, existingRemote, remoteBody)
		if err != nil {
			return err
		}
		if _, err := client.Monitor(ctx, task, d.pollInterval, d.maxWait); err != nil {
			return err
		}
		remote, err := findRemote(ctx, client, def.ContentRepoType, def.Name)
		if err != nil {
			return err
		}
		if remote == nil {
			return errs.New(errs.UpstreamFailure, "remote not found after create/update: "+def.Name)
		}
		remoteHandle = remote.Handle
		remoteFeed = def.URL
	}

	existingRepo, err := findRepository(ctx, client, def.ContentRepoType, def.Name)
	if err != nil {
		return err
	}
	signingService := ""
	if def.ContentRepoType == domain.KindDeb && d.debSigningService != "" {
		signingService, err = client.SigningService(ctx, d.debSigningService)
		if err != nil {
			return err
		}
	}
	repoBody := contentserver.Repository{
		Name:        def.Name,
		Description: fmt.Sprintf("base_url:%s", def.BaseURL),
		Remote:      remoteHandle,
		Extra:       def.Extra,
	}
	repoTask, err := client.CreateOrUpdateRepository(ctx, def.ContentRepoType, existingRepo, repoBody, signingService)
	if err != nil {
		return err
	}
	if _, err := client.Monitor(ctx, repoTask, d.pollInterval, d.maxWait); err != nil {
		return err
	}
	repo, err := findRepository(ctx, client, def.ContentRepoType, def.Name)
	if err != nil {
		return err
	}
	if repo == nil {
		return errs.New(errs.UpstreamFailure, "repository not found after create/update: "+def.Name)
	}

	distributionHandle, err := d.upsertDistributions(ctx, client, def, basePath, repo.Handle)
	if err != nil {
		return err
	}

	return d.bindServerRepo(ctx, server, def, repo, remoteHandle, remoteFeed, distributionHandle)
}

// bindServerRepo inserts or updates the local ServerRepo row so its
// stored handles and feed equal the upstream state, in one commit.
func (d *Driver) bindServerRepo(ctx context.Context, server *domain.ContentServer, def registrar.RepoDef, repo *contentserver.Repository, remoteHandle, remoteFeed, distributionHandle string) error {
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		repos, err := d.store.ListRepos(ctx, tx)
		if err != nil {
			return err
		}
		var localRepo *domain.Repo
		for _, r := range repos {
			if r.Name == def.Name {
				localRepo = r
				break
			}
		}
		if localRepo == nil {
			if err := d.store.BulkAddRepos(ctx, tx, []*domain.Repo{{Name: def.Name, Kind: def.ContentRepoType}}); err != nil {
				return err
			}
			repos, err = d.store.ListRepos(ctx, tx)
			if err != nil {
				return err
			}
			for _, r := range repos {
				if r.Name == def.Name {
					localRepo = r
					break
				}
			}
		}

		existing, err := d.store.ListServerRepos(ctx, tx, server.ID)
		if err != nil {
			return err
		}
		for _, sr := range existing {
			if sr.RepoID == localRepo.ID {
				return d.store.UpdateServerRepoFields(ctx, tx, server.ID, localRepo.ID, domain.ServerRepo{
					RepositoryHandle:   repo.Handle,
					RemoteHandle:       remoteHandle,
					RemoteFeed:         remoteFeed,
					DistributionHandle: distributionHandle,
				}.Fields())
			}
		}

		return d.store.InsertServerRepo(ctx, tx, &domain.ServerRepo{
			ServerID:           server.ID,
			RepoID:             localRepo.ID,
			Name:               def.Name,
			RepositoryHandle:   repo.Handle,
			RemoteHandle:       remoteHandle,
			RemoteFeed:         remoteFeed,
			DistributionHandle: distributionHandle,
		})
	})
}

// debRemoteExtra builds the AptRemote-specific fields §4.5.1 names for
// deb definitions ("distributions, components, architectures,
// ignore_missing_package_indices"): the upstream content server's deb
// remote takes releases/components/architectures as space-separated
// strings, matching the original implementation's apt remote payload.
func debRemoteExtra(def registrar.RepoDef) map[string]any {
	extra := map[string]any{"ignore_missing_package_indices": def.IgnoreMissingPackageIndices}
	if len(def.Releases) > 0 {
		extra["distributions"] = strings.Join(def.Releases, " ")
	}
	if len(def.Components) > 0 {
		extra["components"] = strings.Join(def.Components, " ")
	}
	if len(def.Architectures) > 0 {
		extra["architectures"] = strings.Join(def.Architectures, " ")
	}
	return extra
}

// upsertDistributions implements the distribution half of §4.5.1: one
// distribution per def.Releases entry for deb repos (a deb repository
// publishes one release tree per configured release), otherwise a
// single distribution at basePath. The first release's distribution
// (or the lone non-deb distribution) keeps the name def.Name so the
// reconciler's name-keyed lookup (fetchRepoInstances) still finds it;
// additional releases are named "<def.Name>-<release>". Returns the
// handle of that primary distribution.
func (d *Driver) upsertDistributions(ctx context.Context, client *contentserver.Client, def registrar.RepoDef, basePath, repoHandle string) (string, error) {
	releases := def.Releases
	if def.ContentRepoType != domain.KindDeb || len(releases) == 0 {
		releases = []string{""}
	}

	primary := ""
	for i, release := range releases {
		name, path := def.Name, basePath
		if release != "" && i > 0 {
			name = fmt.Sprintf("%s-%s", def.Name, release)
			path = strings.TrimRight(basePath, "/") + "/" + release
		}

		existingDist, err := findDistribution(ctx, client, def.ContentRepoType, name)
		if err != nil {
			return "", err
		}
		distBody := contentserver.Distribution{Name: name, BasePath: path, Repo: repoHandle}
		distTask, err := client.CreateOrUpdateDistribution(ctx, def.ContentRepoType, existingDist, distBody)
		if err != nil {
			return "", err
		}
		if _, err := client.Monitor(ctx, distTask, d.pollInterval, d.maxWait); err != nil {
			return "", err
		}
		dist, err := findDistribution(ctx, client, def.ContentRepoType, name)
		if err != nil {
			return "", err
		}
		if i == 0 && dist != nil {
			primary = dist.Handle
		}
	}
	return primary, nil
}

// basePath derives "<base_url>/<transformed_name>" per §4.5.1: the
// transform applies the configured package-name-replacement pattern
// and rule when it matches def.Name, otherwise def.Name is used
// verbatim.
func (d *Driver) basePath(def registrar.RepoDef) (string, error) {
	name := def.Name
	if d.packageNameReplacementPattern != nil && d.packageNameReplacementPattern.MatchString(name) {
		name = expandNamed(d.packageNameReplacementPattern, d.packageNameReplacementRule, name)
	}
	if def.BaseURL == "" {
		return "", errs.New(errs.InvalidArgument, "repo definition missing base_url: "+def.Name)
	}
	return strings.TrimRight(def.BaseURL, "/") + "/" + name, nil
}

func expandNamed(pattern *regexp.Regexp, rule, name string) string {
	match := pattern.FindStringSubmatchIndex(name)
	if match == nil {
		return name
	}
	return string(pattern.ExpandString(nil, rule, name, match))
}

// isInternalRemote reports whether feedURL's host matches any
// configured internal-domain substring. Shared by the banned-package
// gate (§4.5.4.3) so the two "is this remote internal" checks never
// diverge (see DESIGN.md Open Question Decision 1).
func (d *Driver) isInternalRemote(feedURL string) bool {
	if feedURL == "" || len(d.internalDomains) == 0 {
		return false
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, domainSubstr := range d.internalDomains {
		if domainSubstr != "" && strings.Contains(host, domainSubstr) {
			return true
		}
	}
	return false
}

func findRemote(ctx context.Context, client *contentserver.Client, kind domain.Kind, name string) (*contentserver.Remote, error) {
	remotes, err := client.ListRemotes(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	for i := range remotes {
		if remotes[i].Name == name {
			return &remotes[i], nil
		}
	}
	return nil, nil
}

func findRepository(ctx context.Context, client *contentserver.Client, kind domain.Kind, name string) (*contentserver.Repository, error) {
	repos, err := client.ListRepositories(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].Name == name {
			return &repos[i], nil
		}
	}
	return nil, nil
}

func findDistribution(ctx context.Context, client *contentserver.Client, kind domain.Kind, name string) (*contentserver.Distribution, error) {
	dists, err := client.ListDistributions(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	for i := range dists {
		if dists[i].Name == name {
			return &dists[i], nil
		}
	}
	return nil, nil
}
