package contentserver

import (
	"context"
	"net/url"
	"time"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

func kindPath(kind domain.Kind, resource string) string {
	return "/pulp/api/v3/" + resource + "/" + string(kind) + "/"
}

// ListRepositories lists every repository of the given kind, following
// pagination transparently.
func (c *Client) ListRepositories(ctx context.Context, kind domain.Kind, query url.Values) ([]Repository, error) {
	repos, err := listAll[Repository](ctx, c, kindPath(kind, "repositories"), query)
	if err != nil {
		return nil, err
	}
	for i := range repos {
		repos[i].Kind = kind
	}
	return repos, nil
}

// ListRemotes lists every remote of the given kind.
func (c *Client) ListRemotes(ctx context.Context, kind domain.Kind, query url.Values) ([]Remote, error) {
	return listAll[Remote](ctx, c, kindPath(kind, "remotes"), query)
}

// ListDistributions lists every distribution of the given kind.
func (c *Client) ListDistributions(ctx context.Context, kind domain.Kind, query url.Values) ([]Distribution, error) {
	return listAll[Distribution](ctx, c, kindPath(kind, "distributions"), query)
}

// CreateOrUpdateRemote creates a remote if none exists by that name,
// otherwise updates it; returns the server task handle for the
// create/update. body.Extra's entries (kind-specific remote fields) are
// merged into the request payload alongside the shared core fields.
func (c *Client) CreateOrUpdateRemote(ctx context.Context, kind domain.Kind, existing *Remote, body Remote) (string, error) {
	payload := map[string]any{
		"name":           body.Name,
		"url":            body.URL,
		"tls_validation": body.TLSValidation,
	}
	if body.CACert != "" {
		payload["ca_cert"] = body.CACert
	}
	for k, v := range body.Extra {
		payload[k] = v
	}

	var out struct {
		Task string `json:"task"`
	}
	if existing == nil {
		if err := c.do(ctx, "POST", kindPath(kind, "remotes"), nil, payload, &out); err != nil {
			return "", err
		}
		return out.Task, nil
	}
	if err := c.do(ctx, "PATCH", existing.Handle, nil, payload, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// CreateOrUpdateRepository creates a repository if none exists by that
// name, otherwise updates it. signingService, when non-empty, is
// attached for deb repositories per §4.5.1 step 2.
func (c *Client) CreateOrUpdateRepository(ctx context.Context, kind domain.Kind, existing *Repository, body Repository, signingService string) (string, error) {
	if kind == domain.KindDeb && signingService != "" {
		body.Extra = mergeExtra(body.Extra, "signing_service", signingService)
	}

	payload := map[string]any{
		"name":        body.Name,
		"description": body.Description,
	}
	if body.Remote != "" {
		payload["remote"] = body.Remote
	}
	for k, v := range body.Extra {
		payload[k] = v
	}

	var out struct {
		Task string `json:"task"`
	}
	if existing == nil {
		if err := c.do(ctx, "POST", kindPath(kind, "repositories"), nil, payload, &out); err != nil {
			return "", err
		}
		return out.Task, nil
	}
	if err := c.do(ctx, "PATCH", existing.Handle, nil, payload, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

func mergeExtra(extra map[string]any, key string, value any) map[string]any {
	if extra == nil {
		extra = map[string]any{}
	}
	extra[key] = value
	return extra
}

// CreateOrUpdateDistribution creates a distribution if none exists by
// that name, otherwise updates it.
func (c *Client) CreateOrUpdateDistribution(ctx context.Context, kind domain.Kind, existing *Distribution, body Distribution) (string, error) {
	var out struct {
		Task string `json:"task"`
	}
	if existing == nil {
		if err := c.do(ctx, "POST", kindPath(kind, "distributions"), nil, body, &out); err != nil {
			return "", err
		}
		return out.Task, nil
	}
	if err := c.do(ctx, "PATCH", existing.Handle, nil, body, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// SyncRepository starts a server-side sync of the repository's remote
// (§4.5.4.1 "start_sync").
func (c *Client) SyncRepository(ctx context.Context, repoHandle, remoteHandle string) (string, error) {
	var out struct {
		Task string `json:"task"`
	}
	body := map[string]string{"remote": remoteHandle}
	if err := c.do(ctx, "POST", repoHandle+"sync/", nil, body, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// ModifyRepository issues a modify-repository request removing the
// given content handles from the repository's latest version
// (§4.5.4.3).
func (c *Client) ModifyRepository(ctx context.Context, repoHandle string, removeHandles []string) (string, error) {
	var out struct {
		Task string `json:"task"`
	}
	body := map[string]any{"remove_content_units": removeHandles}
	if err := c.do(ctx, "POST", repoHandle+"modify/", nil, body, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// LatestContentSummary fetches the latest repository version's
// content-summary, naming per-kind package-listing endpoints
// (§4.5.4.3).
func (c *Client) LatestContentSummary(ctx context.Context, repoHandle string) (*ContentSummary, error) {
	var summary ContentSummary
	if err := c.do(ctx, "GET", repoHandle+"versions/latest/content_summary/", nil, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListPackages pages through a kind's package-listing endpoint.
func (c *Client) ListPackages(ctx context.Context, endpoint string) ([]Package, error) {
	return listAll[Package](ctx, c, endpoint, nil)
}

// CreatePublication issues a publication create request, with the
// kind-specific body §4.5.4.4 specifies.
func (c *Client) CreatePublication(ctx context.Context, kind domain.Kind, body map[string]any) (string, error) {
	var out struct {
		Task string `json:"task"`
	}
	if err := c.do(ctx, "POST", kindPath(kind, "publications"), nil, body, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// ExistingPublicationForVersion reports whether a publication already
// exists for the given repository version, used by skip-publish
// (§4.5.4.5).
func (c *Client) ExistingPublicationForVersion(ctx context.Context, kind domain.Kind, repositoryVersion string) (bool, error) {
	q := url.Values{"repository_version": []string{repositoryVersion}}
	pubs, err := listAll[Publication](ctx, c, kindPath(kind, "publications"), q)
	if err != nil {
		return false, err
	}
	return len(pubs) > 0, nil
}

// GetServerTask fetches the current state of a server task by handle.
func (c *Client) GetServerTask(ctx context.Context, handle string) (*ServerTask, error) {
	var t ServerTask
	if err := c.do(ctx, "GET", handle, nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Monitor polls a server task handle at interval until it reaches a
// terminal state or maxWait elapses (§4.2). Returns UpstreamFailure for
// a terminal failed/canceled task or an exceeded wait.
func (c *Client) Monitor(ctx context.Context, handle string, interval, maxWait time.Duration) (*ServerTask, error) {
	deadline := time.Now().Add(maxWait)
	for {
		task, err := c.GetServerTask(ctx, handle)
		if err != nil {
			return nil, err
		}
		if task.State == ServerTaskCompleted {
			return task, nil
		}
		if task.State == ServerTaskFailed || task.State == ServerTaskCanceled {
			detail := map[string]any{"handle": handle, "state": string(task.State)}
			if task.Error != nil {
				detail["description"] = task.Error.Description
			}
			return task, errs.New(errs.UpstreamFailure, "server task finished in terminal failure state", errs.WithDetail(detail))
		}
		if time.Now().After(deadline) {
			return task, errs.New(errs.UpstreamFailure, "timed out waiting for server task", errs.WithErr(ErrTaskTimeout),
				errs.WithDetail(map[string]any{"handle": handle}))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// DeleteResource issues a DELETE against handle (a repository, remote,
// or distribution href) and returns the server task handle tracking the
// deletion, per the original implementation's delete-then-monitor
// pattern for repo removal.
func (c *Client) DeleteResource(ctx context.Context, handle string) (string, error) {
	var out struct {
		Task string `json:"task"`
	}
	if err := c.do(ctx, "DELETE", handle, nil, nil, &out); err != nil {
		return "", err
	}
	return out.Task, nil
}

// SigningService looks up a signing service's handle by name, failing
// with ExternalResourceMissing if not found (§4.2).
func (c *Client) SigningService(ctx context.Context, name string) (string, error) {
	q := url.Values{"name": []string{name}}
	var out struct {
		Results []struct {
			Handle string `json:"pulp_href"`
			Name   string `json:"name"`
		} `json:"results"`
	}
	if err := c.do(ctx, "GET", "/pulp/api/v3/signing-services/", q, nil, &out); err != nil {
		return "", err
	}
	for _, r := range out.Results {
		if r.Name == name {
			return r.Handle, nil
		}
	}
	return "", errs.New(errs.ExternalResourceMissing, "signing service not found: "+name)
}

// RepoKindFromHandle derives the content kind from a repository handle
// path segment, e.g. "/pulp/api/v3/repositories/rpm/..." -> "rpm",
// confirmed against the original reconciler's exact regex.
func RepoKindFromHandle(handle string) (domain.Kind, error) {
	const prefix = "/pulp/api/v3/repositories/"
	if len(handle) <= len(prefix) || handle[:len(prefix)] != prefix {
		return "", errs.New(errs.UpstreamFailure, "cannot derive content kind from handle: "+handle)
	}
	rest := handle[len(prefix):]
	end := 0
	for end < len(rest) && rest[end] != '/' {
		end++
	}
	kind := domain.Kind(rest[:end])
	if !domain.ValidKind(kind) {
		return "", errs.New(errs.UpstreamFailure, "unrecognized content kind in handle: "+handle)
	}
	return kind, nil
}
