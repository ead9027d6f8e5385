package syncdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
)

// fakeFanOutStore is an in-memory store double covering exactly the
// methods the fan-out state machine (fanout.go, statemachine.go) calls.
// It is guarded by a mutex since progressSync runs concurrently across
// in-flight units within one fanOut iteration.
type fakeFanOutStore struct {
	mu     sync.Mutex
	tasks  map[int64]*domain.Task
	stages []*domain.TaskStage
}

func newFakeFanOutStore(tasks ...*domain.Task) *fakeFanOutStore {
	byID := make(map[int64]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &fakeFanOutStore{tasks: byID}
}

func (f *fakeFanOutStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(nil)
}

func (f *fakeFanOutStore) GetTask(ctx context.Context, tx pgx.Tx, id int64) (*domain.Task, error) {
	t := f.tasks[id]
	if t == nil {
		return nil, fmt.Errorf("task %d not found", id)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeFanOutStore) UpdateTaskState(ctx context.Context, tx pgx.Tx, id int64, to domain.TaskState, taskErr *domain.TaskError) error {
	t := f.tasks[id]
	if t == nil {
		return fmt.Errorf("task %d not found", id)
	}
	t.State = to
	t.Error = taskErr
	return nil
}

func (f *fakeFanOutStore) AppendStage(ctx context.Context, tx pgx.Tx, stage *domain.TaskStage) (int64, error) {
	id := int64(len(f.stages) + 1)
	cp := *stage
	cp.ID = id
	f.stages = append(f.stages, &cp)
	return id, nil
}

func (f *fakeFanOutStore) CloseStage(ctx context.Context, tx pgx.Tx, stageID int64, stageErr *domain.TaskError) error {
	for _, s := range f.stages {
		if s.ID == stageID {
			s.Terminal = true
			s.Error = stageErr
			return nil
		}
	}
	return fmt.Errorf("stage %d not found", stageID)
}

func (f *fakeFanOutStore) UpdateStageDetail(ctx context.Context, tx pgx.Tx, stageID int64, detail map[string]any) error {
	for _, s := range f.stages {
		if s.ID == stageID {
			s.Detail = detail
			return nil
		}
	}
	return fmt.Errorf("stage %d not found", stageID)
}

func (f *fakeFanOutStore) CurrentStage(ctx context.Context, tx pgx.Tx, taskID int64) (*domain.TaskStage, error) {
	var latest *domain.TaskStage
	for _, s := range f.stages {
		if s.TaskID == taskID && !s.Terminal {
			latest = s
		}
	}
	return latest, nil
}

func (f *fakeFanOutStore) stageNames(taskID int64) []string {
	var names []string
	for _, s := range f.stages {
		if s.TaskID == taskID {
			names = append(names, s.Name)
		}
	}
	return names
}

func (f *fakeFanOutStore) taskState(id int64) domain.TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].State
}

// The remaining store methods are never reached by the functions these
// tests exercise (they belong to Upsert/SyncServer/health.go).
func (f *fakeFanOutStore) GetContentServerByName(ctx context.Context, name string) (*domain.ContentServer, error) {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) ListRepos(ctx context.Context, tx pgx.Tx) ([]*domain.Repo, error) {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) BulkAddRepos(ctx context.Context, tx pgx.Tx, repos []*domain.Repo) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) ListServerRepos(ctx context.Context, tx pgx.Tx, serverID int64) ([]*domain.ServerRepo, error) {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) ListSyncableServerRepos(ctx context.Context, serverID int64) ([]*domain.ServerRepo, error) {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) InsertServerRepo(ctx context.Context, tx pgx.Tx, sr *domain.ServerRepo) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) UpdateServerRepoFields(ctx context.Context, tx pgx.Tx, serverID, repoID int64, fields map[string]string) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) UpdateServerRepoHealth(ctx context.Context, tx pgx.Tx, serverID, repoID int64, health domain.Health, at time.Time) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) DeleteServerRepo(ctx context.Context, tx pgx.Tx, serverID, repoID int64) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) UpdateServerHealthRollup(ctx context.Context, tx pgx.Tx, serverID int64, health domain.Health, at time.Time) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) BulkInsertTasksReturning(ctx context.Context, tx pgx.Tx, tasks []*domain.Task) ([]int64, error) {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) BindServerRepoTask(ctx context.Context, tx pgx.Tx, serverID, repoID, childTaskID int64) error {
	panic("not used by these tests")
}
func (f *fakeFanOutStore) RecentTaskStatesForServerRepo(ctx context.Context, serverID, repoID int64, limit int) ([]domain.TaskState, error) {
	panic("not used by these tests")
}

// TestFanOut_BoundedConcurrency covers §8 Concrete Scenario 2: given 10
// child Tasks and maxConcurrent=3, at every poll iteration prior to any
// completing, exactly 3 are running and 7 are queued. Every server task
// here stays "running" forever, so the fan-out never admits past its
// bound and the snapshot taken mid-run is stable.
func TestFanOut_BoundedConcurrency(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v3/repositories/rpm/", func(w http.ResponseWriter, r *http.Request) {
		// path: /pulp/api/v3/repositories/rpm/<id>/sync/
		var id string
		fmt.Sscanf(r.URL.Path, "/pulp/api/v3/repositories/rpm/%s/sync/", &id)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"task": "/pulp/api/v3/tasks/" + id + "/"})
	})
	mux.HandleFunc("/pulp/api/v3/tasks/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "running"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := contentserver.New(srv.URL, "", "")

	const n = 10
	units := make([]*syncUnit, n)
	tasks := make([]*domain.Task, n)
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		tasks[i] = &domain.Task{ID: id, State: domain.TaskQueued}
		units[i] = &syncUnit{
			kind: domain.KindRPM,
			task: tasks[i],
			repo: &domain.ServerRepo{
				Name:             fmt.Sprintf("repo-%d", id),
				RepositoryHandle: fmt.Sprintf("/pulp/api/v3/repositories/rpm/%d/", id),
				RemoteHandle:     "/pulp/api/v3/remotes/rpm/1/",
			},
		}
	}

	store := newFakeFanOutStore(tasks...)
	d := &Driver{store: store, logger: slog.Default(), pollInterval: 15 * time.Millisecond, maxWait: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.fanOut(ctx, client, units, 3, 0) }()

	time.Sleep(120 * time.Millisecond)

	var running, queued int
	for _, u := range units {
		switch store.taskState(u.task.ID) {
		case domain.TaskRunning:
			running++
		case domain.TaskQueued:
			queued++
		}
	}
	assert.Equal(t, 3, running, "exactly maxConcurrent Tasks must be running before any completes")
	assert.Equal(t, 7, queued)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

// TestStartSync_TransitionsTaskToRunningAndRecordsStage covers §4.5.4.1:
// starting a sync moves the Task from queued to running and records the
// "sync repo" stage with the server task handle.
func TestStartSync_TransitionsTaskToRunningAndRecordsStage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v3/repositories/rpm/1/sync/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"task": "/pulp/api/v3/tasks/t1/"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := contentserver.New(srv.URL, "", "")

	store := newFakeFanOutStore(&domain.Task{ID: 5, State: domain.TaskQueued})
	d := &Driver{store: store, logger: slog.Default(), pollInterval: time.Millisecond, maxWait: time.Minute}

	u := &syncUnit{
		kind: domain.KindRPM,
		task: &domain.Task{ID: 5, State: domain.TaskQueued},
		repo: &domain.ServerRepo{
			RepositoryHandle: "/pulp/api/v3/repositories/rpm/1/",
			RemoteHandle:     "/pulp/api/v3/remotes/rpm/1/",
		},
	}

	failed, err := d.startSync(context.Background(), client, u)
	require.NoError(t, err)
	assert.False(t, failed)
	assert.Equal(t, domain.TaskRunning, u.task.State)
	assert.Equal(t, stageSyncRepo, u.stageName)
	assert.Equal(t, "/pulp/api/v3/tasks/t1/", u.taskHandle)
	assert.Equal(t, domain.TaskRunning, store.taskState(5))
}

// TestProgressSync_SkipsPublishWhenNoNewVersion covers §8 Concrete
// Scenario 3: a sync that produces no new repository version (empty
// created_resources) completes the Task directly and never calls the
// publications endpoint.
func TestProgressSync_SkipsPublishWhenNoNewVersion(t *testing.T) {
	publishCalled := false
	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v3/tasks/t1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "completed", "created_resources": []string{}})
	})
	mux.HandleFunc("/pulp/api/v3/publications/rpm/", func(w http.ResponseWriter, r *http.Request) {
		publishCalled = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"task": "/pulp/api/v3/tasks/pub1/"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := contentserver.New(srv.URL, "", "")

	store := newFakeFanOutStore(&domain.Task{ID: 7, State: domain.TaskRunning})
	stageID, err := store.AppendStage(context.Background(), nil, &domain.TaskStage{TaskID: 7, Name: stageSyncRepo})
	require.NoError(t, err)

	d := &Driver{store: store, logger: slog.Default(), pollInterval: time.Millisecond, maxWait: time.Minute}
	u := &syncUnit{
		kind:       domain.KindRPM,
		task:       &domain.Task{ID: 7, State: domain.TaskRunning},
		repo:       &domain.ServerRepo{RepositoryHandle: "/pulp/api/v3/repositories/rpm/1/"},
		stageID:    stageID,
		stageName:  stageSyncRepo,
		taskHandle: "/pulp/api/v3/tasks/t1/",
	}

	done, err := d.progressSync(context.Background(), client, domain.KindRPM, u)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, publishCalled, "publication must be skipped when sync produced no new repository version")
	assert.Equal(t, domain.TaskCompleted, store.taskState(7))
}

// TestStatemachine_BannedPackageRemovalPrecedesPublish covers §8
// Concrete Scenario 4: when a sync does produce a new version and the
// repo is not internal, the banned-package removal stage must run and
// complete before publication starts.
func TestStatemachine_BannedPackageRemovalPrecedesPublish(t *testing.T) {
	var mu sync.Mutex
	var callOrder []string
	record := func(name string) {
		mu.Lock()
		callOrder = append(callOrder, name)
		mu.Unlock()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pulp/api/v3/tasks/sync1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":             "completed",
			"created_resources": []string{"/pulp/api/v3/content/rpm/packages/1/"},
		})
	})
	mux.HandleFunc("/pulp/api/v3/tasks/modify1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "completed"})
	})
	mux.HandleFunc("/pulp/api/v3/repositories/rpm/1/versions/latest/content_summary/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"package_endpoints": map[string]string{"rpm": "/pulp/api/v3/content/rpm/packages/"}})
	})
	mux.HandleFunc("/pulp/api/v3/content/rpm/packages/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"next": "",
			"results": []map[string]string{
				{"pulp_href": "/pulp/api/v3/content/rpm/packages/1/", "name": "evil-pkg"},
				{"pulp_href": "/pulp/api/v3/content/rpm/packages/2/", "name": "good-pkg"},
			},
		})
	})
	mux.HandleFunc("/pulp/api/v3/repositories/rpm/1/modify/", func(w http.ResponseWriter, r *http.Request) {
		record("modify")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"task": "/pulp/api/v3/tasks/modify1/"})
	})
	mux.HandleFunc("/pulp/api/v3/publications/rpm/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			record("publish")
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"task": "/pulp/api/v3/tasks/pub1/"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"next": "", "results": []any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := contentserver.New(srv.URL, "", "")

	store := newFakeFanOutStore(&domain.Task{ID: 9, State: domain.TaskRunning})
	stageID, err := store.AppendStage(context.Background(), nil, &domain.TaskStage{TaskID: 9, Name: stageSyncRepo})
	require.NoError(t, err)

	d := &Driver{
		store:              store,
		logger:             slog.Default(),
		pollInterval:       time.Millisecond,
		maxWait:            time.Minute,
		bannedPackageRegex: regexp.MustCompile(`^evil-`),
	}
	u := &syncUnit{
		kind:       domain.KindRPM,
		task:       &domain.Task{ID: 9, State: domain.TaskRunning},
		repo:       &domain.ServerRepo{RepositoryHandle: "/pulp/api/v3/repositories/rpm/1/"},
		stageID:    stageID,
		stageName:  stageSyncRepo,
		taskHandle: "/pulp/api/v3/tasks/sync1/",
	}

	done, err := d.progressSync(context.Background(), client, domain.KindRPM, u)
	require.NoError(t, err)
	assert.False(t, done, "must move to the remove-banned-packages stage rather than finish")
	assert.Equal(t, stageRemoveBanned, u.stageName)

	done, err = d.progressSync(context.Background(), client, domain.KindRPM, u)
	require.NoError(t, err)
	assert.False(t, done, "must move to the publish stage rather than finish")
	assert.Equal(t, stagePublishRepo, u.stageName)

	assert.Equal(t, []string{stageSyncRepo, stageRemoveBanned, stagePublishRepo}, store.stageNames(9))
	require.Equal(t, []string{"modify", "publish"}, callOrder, "banned-package removal must complete before publication starts")
}
