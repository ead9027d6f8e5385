package contentserver

import "github.com/pulpfleet/reposync/domain"

// Repository is the shared core of the five content kinds, per §9's
// "polymorphic resources" design note: a tagged variant with a shared
// core ({handle, name, description}) and a kind-specific payload.
type Repository struct {
	Handle      string         `json:"pulp_href"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Remote      string         `json:"remote,omitempty"`
	Kind        domain.Kind    `json:"-"`
	Extra       map[string]any `json:"-"`
}

// Remote describes how to fetch upstream content for a repository.
// Extra carries kind-specific fields (e.g. a deb remote's distributions,
// components, architectures, ignore_missing_package_indices) that have
// no counterpart on every other kind.
type Remote struct {
	Handle        string         `json:"pulp_href"`
	Name          string         `json:"name"`
	URL           string         `json:"url"`
	CACert        string         `json:"ca_cert,omitempty"`
	TLSValidation bool           `json:"tls_validation"`
	Extra         map[string]any `json:"-"`
}

// Distribution exposes the latest repository version at a base path.
type Distribution struct {
	Handle   string `json:"pulp_href"`
	Name     string `json:"name"`
	BasePath string `json:"base_path"`
	Repo     string `json:"repository,omitempty"`
}

// Publication materializes metadata for a repository version.
type Publication struct {
	Handle         string `json:"pulp_href"`
	Repository     string `json:"repository"`
	RepositoryVersion string `json:"repository_version,omitempty"`
}

// ServerTaskState is the state of the content server's own asynchronous
// unit of work.
type ServerTaskState string

const (
	ServerTaskWaiting   ServerTaskState = "waiting"
	ServerTaskRunning   ServerTaskState = "running"
	ServerTaskCompleted ServerTaskState = "completed"
	ServerTaskFailed    ServerTaskState = "failed"
	ServerTaskCanceled  ServerTaskState = "canceled"
)

// Terminal reports whether a server task has finished, successfully or
// not.
func (s ServerTaskState) Terminal() bool {
	switch s {
	case ServerTaskCompleted, ServerTaskFailed, ServerTaskCanceled:
		return true
	default:
		return false
	}
}

// ServerTask is the content server's own asynchronous task, observed by
// handle.
type ServerTask struct {
	Handle          string          `json:"pulp_href"`
	State           ServerTaskState `json:"state"`
	Error           *ServerTaskErr  `json:"error,omitempty"`
	CreatedResources []string       `json:"created_resources"`
}

// ServerTaskErr is the error payload a failed server task carries.
type ServerTaskErr struct {
	Description string `json:"description"`
	Traceback   string `json:"traceback,omitempty"`
}

// ContentSummary names, per content kind, the package-listing endpoint
// to page through when looking for banned packages (§4.5.4.3).
type ContentSummary struct {
	PackageEndpoints map[domain.Kind]string `json:"package_endpoints"`
}

// Package is one package-listing row; only one of Name/DebPackage is
// populated depending on content kind.
type Package struct {
	Handle     string `json:"pulp_href"`
	Name       string `json:"name,omitempty"`
	DebPackage string `json:"package,omitempty"`
}

// MatchName returns the field the banned-package regex should match for
// this package, per kind: "name" for rpm/file/python/container, "package"
// for deb.
func (p Package) MatchName(kind domain.Kind) string {
	if kind == domain.KindDeb && p.DebPackage != "" {
		return p.DebPackage
	}
	return p.Name
}
