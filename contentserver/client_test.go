package contentserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

func TestClient_Monitor(t *testing.T) {
	t.Parallel()

	t.Run("completes on terminal completed", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(contentserver.ServerTask{
				Handle: "/pulp/api/v3/tasks/1/",
				State:  contentserver.ServerTaskCompleted,
			})
		}))
		defer srv.Close()

		c := contentserver.New(srv.URL, "", "")
		task, err := c.Monitor(context.Background(), "/tasks/1/", time.Millisecond, time.Second)
		require.NoError(t, err)
		require.Equal(t, contentserver.ServerTaskCompleted, task.State)
	})

	t.Run("fails on terminal failed", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(contentserver.ServerTask{
				Handle: "/tasks/1/",
				State:  contentserver.ServerTaskFailed,
				Error:  &contentserver.ServerTaskErr{Description: "boom"},
			})
		}))
		defer srv.Close()

		c := contentserver.New(srv.URL, "", "")
		_, err := c.Monitor(context.Background(), "/tasks/1/", time.Millisecond, time.Second)
		require.Error(t, err)
		require.True(t, errs.Is(err, errs.UpstreamFailure))
	})

	t.Run("times out when still running", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(contentserver.ServerTask{
				Handle: "/tasks/1/",
				State:  contentserver.ServerTaskRunning,
			})
		}))
		defer srv.Close()

		c := contentserver.New(srv.URL, "", "")
		_, err := c.Monitor(context.Background(), "/tasks/1/", time.Millisecond, 20*time.Millisecond)
		require.Error(t, err)
		require.True(t, errs.Is(err, errs.UpstreamFailure))
	})
}

func TestRepoKindFromHandle(t *testing.T) {
	t.Parallel()

	kind, err := contentserver.RepoKindFromHandle("/pulp/api/v3/repositories/rpm/abc-123/")
	require.NoError(t, err)
	require.Equal(t, domain.KindRPM, kind)

	_, err = contentserver.RepoKindFromHandle("/pulp/api/v3/repositories/notakind/abc-123/")
	require.Error(t, err)

	_, err = contentserver.RepoKindFromHandle("garbage")
	require.Error(t, err)
}

func TestClient_ListRepositories_Paginates(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		offset := r.URL.Query().Get("offset")
		if offset == "0" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"next":    "yes",
				"results": []map[string]any{{"pulp_href": "/r/1/", "name": "repo-1"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"next":    "",
			"results": []map[string]any{},
		})
	}))
	defer srv.Close()

	c := contentserver.New(srv.URL, "", "", contentserver.WithPageSize(1))
	repos, err := c.ListRepositories(context.Background(), domain.KindRPM, nil)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, "repo-1", repos[0].Name)
	require.Equal(t, domain.KindRPM, repos[0].Kind)
	require.GreaterOrEqual(t, calls, 2)
}
