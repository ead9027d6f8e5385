// Package domain holds the entities shared by every component: content
// servers, repositories, server bindings, sync groups, tasks, and their
// supporting records.
package domain

import "time"

// Health is the rolling status derived from recent sync outcomes.
type Health string

const (
	HealthGreen  Health = "green"
	HealthAmber  Health = "amber"
	HealthRed    Health = "red"
	HealthUnset  Health = ""
)

// Worse returns the more severe of two health values, using the
// precedence red > amber > green.
func (h Health) Worse(other Health) Health {
	rank := map[Health]int{HealthGreen: 0, HealthAmber: 1, HealthRed: 2, HealthUnset: 0}
	if rank[other] > rank[h] {
		return other
	}
	return h
}

// Kind is the content kind a repository holds.
type Kind string

const (
	KindRPM       Kind = "rpm"
	KindDeb       Kind = "deb"
	KindFile      Kind = "file"
	KindPython    Kind = "python"
	KindContainer Kind = "container"
)

// ValidKind reports whether k is one of the enumerated content kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindRPM, KindDeb, KindFile, KindPython, KindContainer:
		return true
	default:
		return false
	}
}

// ContentServer is one fleet member: an upstream content-repository
// server this system mirrors against.
type ContentServer struct {
	RollupHealthAt     *time.Time
	Name               string
	AuthUsername       string
	AuthPasswordSecret string
	RegistrationCron   string
	IncludeRegex       string
	ExcludeRegex       string
	RollupHealth       Health
	ID                 int64
	PageSize           int
}

// Repo is a repository known to this system, independent of any one
// content server.
type Repo struct {
	Name string
	Kind Kind
	ID   int64
}

// ServerRepo binds a Repo to a ContentServer, carrying the server-side
// handles and health for that pairing.
type ServerRepo struct {
	HealthAt          *time.Time
	Name              string
	RemoteHandle      string
	RepositoryHandle  string
	DistributionHandle string
	RemoteFeed        string
	Health            Health
	ServerID          int64
	RepoID            int64
}

// Fields returns the subset of ServerRepo's attributes that the
// reconciler compares against the content server's reported state,
// keyed by field name so the reconciler can report only differing
// fields.
func (r ServerRepo) Fields() map[string]string {
	return map[string]string{
		"repo_href":          r.RepositoryHandle,
		"remote_href":        r.RemoteHandle,
		"remote_feed":        r.RemoteFeed,
		"distribution_href":  r.DistributionHandle,
	}
}

// ServerRepoGroup is a configured sync policy for a subset of a server's
// repositories.
type ServerRepoGroup struct {
	UpstreamServerID *int64
	ID               int64
	ServerID         int64
	Cron             string
	IncludeRegex     string
	ExcludeRegex     string
	SyncOptionsJSON  []byte
	MaxConcurrent    int
	MaxRuntime       time.Duration
}
