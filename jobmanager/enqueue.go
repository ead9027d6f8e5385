package jobmanager

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/pulpfleet/reposync/domain"
)

// enqueue creates a queued Task row, inserts its River job in the same
// transaction, records the job id on the Task, and returns the Task as
// committed. If the insert itself fails, the Task is marked failed
// rather than left dangling in "queued" (§4.6: "a Task that failed to
// enqueue is never silently lost").
func enqueue[T river.JobArgs](ctx context.Context, m *Manager, name string, taskType domain.TaskType, argsForTask map[string]any, bindTaskID func(taskID int64) T) (*domain.Task, error) {
	var task *domain.Task
	err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		taskID, err := m.store.InsertTask(ctx, tx, &domain.Task{Name: name, Type: taskType, State: domain.TaskQueued, Args: argsForTask})
		if err != nil {
			return err
		}

		jobArgs := bindTaskID(taskID)
		result, err := m.client.InsertTx(ctx, tx, jobArgs, &river.InsertOpts{MaxAttempts: 1})
		if err != nil {
			_ = m.store.UpdateTaskState(ctx, tx, taskID, domain.TaskFailed, &domain.TaskError{Msg: "enqueue: " + err.Error()})
			task, err = m.store.GetTask(ctx, tx, taskID)
			return err
		}
		if err := m.store.SetTaskWorkerJobID(ctx, tx, taskID, strconv.FormatInt(result.Job.ID, 10)); err != nil {
			return err
		}
		task, err = m.store.GetTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

// QueueSyncRepoTask enqueues an ad-hoc sync_repos run for one server.
func (m *Manager) QueueSyncRepoTask(ctx context.Context, opts SyncRepoGroupArgs) (*domain.Task, error) {
	return enqueue(ctx, m, "sync_repos:"+opts.ServerName, domain.TaskRepoSync,
		map[string]any{"server_name": opts.ServerName},
		func(taskID int64) SyncRepoGroupArgs {
			opts.TaskID = taskID
			return opts
		})
}

// QueueRegisterReposTask enqueues an ad-hoc register_repos run.
func (m *Manager) QueueRegisterReposTask(ctx context.Context, opts RegisterReposArgs) (*domain.Task, error) {
	return enqueue(ctx, m, "register_repos:"+opts.ServerName, domain.TaskRepoCreationFromGit,
		map[string]any{"server_name": opts.ServerName},
		func(taskID int64) RegisterReposArgs {
			opts.TaskID = taskID
			return opts
		})
}

// QueueRemoveContentTask enqueues an ad-hoc remove_repo_content run.
func (m *Manager) QueueRemoveContentTask(ctx context.Context, opts RemoveContentArgs) (*domain.Task, error) {
	return enqueue(ctx, m, "remove_repo_content:"+opts.ServerName+":"+opts.RepoName, domain.TaskRemoveRepoContent,
		map[string]any{"server_name": opts.ServerName, "repo_name": opts.RepoName, "content_href": opts.ContentHandle},
		func(taskID int64) RemoveContentArgs {
			opts.TaskID = taskID
			return opts
		})
}

// QueueSnapshotTask enqueues an ad-hoc repo_snapshot run.
func (m *Manager) QueueSnapshotTask(ctx context.Context, opts SnapshotArgs) (*domain.Task, error) {
	return enqueue(ctx, m, "repo_snapshot:"+opts.ServerName, domain.TaskRepoSnapshot,
		map[string]any{"server_name": opts.ServerName, "snapshot_prefix": opts.SnapshotPrefix},
		func(taskID int64) SnapshotArgs {
			opts.TaskID = taskID
			return opts
		})
}

// QueueRemovalTask enqueues an ad-hoc repo_removal run.
func (m *Manager) QueueRemovalTask(ctx context.Context, opts RemovalArgs) (*domain.Task, error) {
	return enqueue(ctx, m, "repo_removal:"+opts.ServerName, domain.TaskRepoRemoval,
		map[string]any{"server_name": opts.ServerName, "dry_run": opts.DryRun},
		func(taskID int64) RemovalArgs {
			opts.TaskID = taskID
			return opts
		})
}
