package jobmanager

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// ChangeTaskState implements change_task_state(task_id, "canceled")
// (§4.6 "Cancellation"): the only caller-facing state transition, since
// every other transition happens internally as a job runs.
func (m *Manager) ChangeTaskState(ctx context.Context, taskID int64, to domain.TaskState) (*domain.Task, error) {
	if to != domain.TaskCanceled {
		return nil, errs.New(errs.InvalidState, fmt.Sprintf("cannot request external transition to %q", to))
	}

	var task *domain.Task
	err := m.store.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := m.store.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if current.State.Terminal() {
			return errs.New(errs.InvalidState, fmt.Sprintf("task %d is already in terminal state %q", taskID, current.State))
		}

		if current.WorkerJobID != "" {
			jobID, err := strconv.ParseInt(current.WorkerJobID, 10, 64)
			if err != nil {
				return fmt.Errorf("jobmanager: parse worker job id %q: %w", current.WorkerJobID, err)
			}
			// River's own JobCancel already does exactly what §4.6
			// describes: cancel outright if the job hasn't started, or
			// set its context to canceled if it's running for the
			// worker to observe (Open Question Decision 6).
			if _, err := m.jobCanceler.JobCancel(ctx, jobID); err != nil {
				return fmt.Errorf("jobmanager: cancel job %d: %w", jobID, err)
			}
		}

		if err := m.store.UpdateTaskState(ctx, tx, taskID, domain.TaskCanceled, nil); err != nil {
			return err
		}
		task, err = m.store.GetTask(ctx, tx, taskID)
		return err
	})
	return task, err
}
