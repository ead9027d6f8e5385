package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulpfleet/reposync/domain"
)

func TestRepoKindFromHandle(t *testing.T) {
	kind, err := repoKindFromHandle("/pulp/api/v3/repositories/rpm/abc-123/")
	require.NoError(t, err)
	assert.Equal(t, domain.KindRPM, kind)

	_, err = repoKindFromHandle("/pulp/api/v3/repositories/notakind/abc-123/")
	assert.Error(t, err)

	_, err = repoKindFromHandle("garbage")
	assert.Error(t, err)
}

func TestReconciler_calculateChanges(t *testing.T) {
	r := &Reconciler{server: &domain.ContentServer{ID: 1}}

	instances := map[string]repoInstance{
		"repo-a": {name: "repo-a", repositoryHandle: "/r/a/", remoteHandle: "/rm/a/", remoteFeed: "https://a"},
		"repo-b": {name: "repo-b", repositoryHandle: "/r/b/", remoteHandle: "/rm/b/", remoteFeed: "https://b-new"},
	}
	repos := map[string]*domain.Repo{
		"repo-a": {ID: 10, Name: "repo-a"},
		"repo-b": {ID: 20, Name: "repo-b"},
	}
	existing := map[int64]*domain.ServerRepo{
		20: {ServerID: 1, RepoID: 20, Name: "repo-b", RemoteFeed: "https://b-old", RemoteHandle: "/rm/b/", RepositoryHandle: "/r/b/"},
		30: {ServerID: 1, RepoID: 30, Name: "repo-c"},
	}

	toAdd, toUpdate, toDelete := r.calculateChanges(instances, repos, existing)

	require.Len(t, toAdd, 1)
	assert.Equal(t, int64(10), toAdd[0].RepoID)

	require.Contains(t, toUpdate, int64(20))
	assert.Equal(t, "https://b-new", toUpdate[20]["remote_feed"])

	require.Len(t, toDelete, 1)
	assert.Equal(t, int64(30), toDelete[0])
}
