// Package jobmanager wraps River (a Postgres-backed durable job queue)
// with a cron-capable scheduler, binding every enqueued or scheduled
// job to a durable Task record (§4.6). It is the only component that
// talks to the external queue runtime directly; the sync driver,
// registrar, and content-server client it drives know nothing of River.
package jobmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/registrar"
	"github.com/pulpfleet/reposync/syncdriver"
	"github.com/pulpfleet/reposync/taskstore"
)

// Config configures a Manager.
type Config struct {
	// MaxWorkers bounds the default queue's concurrency.
	MaxWorkers int
	// RegistrarConfig carries the prefix/filter policy applied to every
	// register_repos invocation; per-call include/exclude overrides in
	// RegisterReposArgs take precedence when non-empty.
	RegistrarConfig registrar.Config
	// GitRepoURL is cloned (default branch) when a register_repos job
	// carries no ConfigDir.
	GitRepoURL string
	// InstallScheduleCron drives the singleton install-schedules job
	// (§5: "the schedule loop is itself a scheduled, singleton job").
	// Defaults to every 5 minutes.
	InstallScheduleCron string
}

// taskStore narrows *taskstore.Store to exactly the methods the job
// manager calls, so ChangeTaskState's decision logic (§4.6
// "Cancellation") can be exercised against an in-memory fake instead of
// a live Postgres fixture. *taskstore.Store satisfies this as-is.
type taskStore interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	GetTask(ctx context.Context, tx pgx.Tx, id int64) (*domain.Task, error)
	InsertTask(ctx context.Context, tx pgx.Tx, t *domain.Task) (int64, error)
	UpdateTaskState(ctx context.Context, tx pgx.Tx, id int64, to domain.TaskState, taskErr *domain.TaskError) error
	SetTaskWorkerJobID(ctx context.Context, tx pgx.Tx, id int64, workerJobID string) error
	ListContentServers(ctx context.Context) ([]*domain.ContentServer, error)
	ListServerRepoGroups(ctx context.Context, serverID int64) ([]*domain.ServerRepoGroup, error)
}

// jobCanceler narrows the River client to the one call ChangeTaskState
// needs, letting it be swapped for a fake in tests without standing up
// a real River/Postgres client. *river.Client[pgx.Tx] satisfies this.
type jobCanceler interface {
	JobCancel(ctx context.Context, jobID int64) (*rivertype.JobRow, error)
}

// Manager is the job manager: River client, worker registry, and the
// in-memory index of installed periodic schedule handles.
type Manager struct {
	pool        *pgxpool.Pool
	store       taskStore
	driver      *syncdriver.Driver
	secrets     registrar.SecretStore
	snapshot    Snapshotter
	lock        Locker
	regCfg      registrar.Config
	gitRepoURL  string
	logger      *slog.Logger
	client      *river.Client[pgx.Tx]
	jobCanceler jobCanceler

	mu            sync.Mutex
	scheduleIndex map[string]rivertype.PeriodicJobHandle
}

// New builds a Manager. store and driver share pool's underlying
// connection; secrets resolves vault_load_secrets entries for
// register_repos; snapshot and lock are the S3-backed snapshot sink and
// Redis-backed singleton lock, respectively.
func New(pool *pgxpool.Pool, store *taskstore.Store, driver *syncdriver.Driver, secrets registrar.SecretStore, snapshot Snapshotter, lock Locker, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 50
	}
	if cfg.InstallScheduleCron == "" {
		cfg.InstallScheduleCron = "*/5 * * * *"
	}

	m := &Manager{
		pool:          pool,
		store:         store,
		driver:        driver,
		secrets:       secrets,
		snapshot:      snapshot,
		lock:          lock,
		regCfg:        cfg.RegistrarConfig,
		gitRepoURL:    cfg.GitRepoURL,
		logger:        logger,
		scheduleIndex: make(map[string]rivertype.PeriodicJobHandle),
	}

	installSchedule, err := parseCronSchedule(cfg.InstallScheduleCron)
	if err != nil {
		return nil, fmt.Errorf("jobmanager: invalid install-schedule cron %q: %w", cfg.InstallScheduleCron, err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &syncRepoGroupWorker{manager: m})
	river.AddWorker(workers, &registerReposWorker{manager: m})
	river.AddWorker(workers, &removeContentWorker{manager: m})
	river.AddWorker(workers, &snapshotWorker{manager: m})
	river.AddWorker(workers, &removalWorker{manager: m})
	river.AddWorker(workers, &installSchedulesWorker{manager: m})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  map[string]river.QueueConfig{river.QueueDefault: {MaxWorkers: cfg.MaxWorkers}},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				installSchedule,
				func() (river.JobArgs, *river.InsertOpts) { return installSchedulesArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger:       logger,
		ErrorHandler: &failureHandler{store: store, logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("jobmanager: create client: %w", err)
	}
	m.client = client
	m.jobCanceler = client
	return m, nil
}

// Start begins processing jobs.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Start(ctx); err != nil {
		return fmt.Errorf("jobmanager: start client: %w", err)
	}
	m.logger.Info("job manager started")
	return nil
}

// Stop waits for in-flight jobs to finish, then shuts down.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("jobmanager: stop client: %w", err)
	}
	m.logger.Info("job manager stopped")
	return nil
}

// ensureTaskID returns taskID unchanged if non-zero (the ad-hoc Queue*
// path already created the Task row), otherwise creates one now — the
// path a freshly-fired scheduled periodic job takes, since there is no
// caller waiting for a handle at schedule-install time.
func (m *Manager) ensureTaskID(ctx context.Context, taskID int64, name string, taskType domain.TaskType, args map[string]any) (int64, error) {
	if taskID != 0 {
		return taskID, nil
	}
	var id int64
	err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		newID, err := m.store.InsertTask(ctx, tx, &domain.Task{Name: name, Type: taskType, State: domain.TaskQueued, Args: args})
		if err != nil {
			return err
		}
		id = newID
		return nil
	})
	return id, err
}

// runTask transitions taskID to running, runs fn, and transitions it to
// completed on success. fn's error is returned unchanged so River sees
// the job as failed and invokes the ErrorHandler, which is the single
// place a Task is marked failed (Open Question Decision 5/6).
func (m *Manager) runTask(ctx context.Context, taskID int64, fn func(context.Context) error) error {
	if err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		return m.store.UpdateTaskState(ctx, tx, taskID, domain.TaskRunning, nil)
	}); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		return m.store.UpdateTaskState(ctx, tx, taskID, domain.TaskCompleted, nil)
	}); err != nil {
		m.logger.Warn("task left running state before completion could be recorded (likely canceled)", "task_id", taskID, "error", err)
	}
	return nil
}

// failureHandler implements river.ErrorHandler, marking the Task bound
// to a failed job's embedded task_id failed (§4.6.2). Both hooks
// recover from any panic of their own, since "all exceptions within the
// callback are suppressed and logged".
type failureHandler struct {
	store  *taskstore.Store
	logger *slog.Logger
}

func (h *failureHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.markFailed(ctx, job.EncodedArgs, err.Error(), nil)
	return nil
}

func (h *failureHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.markFailed(ctx, job.EncodedArgs, fmt.Sprintf("panic: %v", panicVal), map[string]any{"trace": trace})
	return nil
}

func (h *failureHandler) markFailed(ctx context.Context, encodedArgs []byte, msg string, detail map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("recovered from panic in job failure callback", "recover", r)
		}
	}()

	var a taskIDArgs
	if err := json.Unmarshal(encodedArgs, &a); err != nil || a.TaskID == 0 {
		h.logger.Error("failure callback: cannot resolve task id from job args", "error", err)
		return
	}

	taskErr := &domain.TaskError{Msg: msg, Detail: detail}
	err := h.store.WithTx(ctx, func(tx pgx.Tx) error {
		return h.store.UpdateTaskState(ctx, tx, a.TaskID, domain.TaskFailed, taskErr)
	})
	if err != nil {
		h.logger.Error("failure callback: mark task failed", "task_id", a.TaskID, "error", err)
		return
	}
	h.logger.Warn("job failed, task marked failed", "task_id", a.TaskID, "cause", msg)
}
