package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

var taskColumns = columnSet{
	"id": true, "name": true, "task_type": true, "state": true,
	"parent_task_id": true, "worker_job_id": true, "worker_name": true,
	"date_queued": true, "date_started": true, "date_finished": true,
}

var taskStateEnum = enumColumns{
	"state": {
		string(domain.TaskQueued): string(domain.TaskQueued),
		string(domain.TaskRunning): string(domain.TaskRunning),
		string(domain.TaskCompleted): string(domain.TaskCompleted),
		string(domain.TaskFailed): string(domain.TaskFailed),
		string(domain.TaskCanceled): string(domain.TaskCanceled),
	},
}

// ParseTaskFilters validates a raw filter map against the Task entity's
// filterable columns.
func ParseTaskFilters(raw map[string]string) ([]Filter, *OrderBy, error) {
	return ParseFilters(raw, taskColumns, taskStateEnum)
}

// InsertTask creates a single Task row in the queued state and returns
// its assigned id.
func (s *Store) InsertTask(ctx context.Context, tx pgx.Tx, t *domain.Task) (int64, error) {
	argsJSON, err := json.Marshal(t.Args)
	if err != nil {
		return 0, errs.New(errs.InvalidArgument, "marshal task args", errs.WithErr(err))
	}

	var id int64
	q := `INSERT INTO tasks (name, task_type, state, parent_task_id, worker_job_id, worker_name, args)
	      VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	row := queryRow(ctx, tx, s.pool, q, t.Name, string(t.Type), string(t.State), t.ParentTaskID, t.WorkerJobID, t.WorkerName, argsJSON)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("taskstore: insert task: %w", err)
	}
	return id, nil
}

// BulkInsertTasksReturning inserts many child Tasks in one round trip
// and returns their assigned ids in the same order, used by the sync
// driver when generating one child Task per repository to sync.
func (s *Store) BulkInsertTasksReturning(ctx context.Context, tx pgx.Tx, tasks []*domain.Task) ([]int64, error) {
	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		id, err := s.InsertTask(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetTask fetches one Task by id, failing with NotFound if absent.
func (s *Store) GetTask(ctx context.Context, tx pgx.Tx, id int64) (*domain.Task, error) {
	q := `SELECT id, name, task_type, state, parent_task_id, worker_job_id, worker_name,
	             date_queued, date_started, date_finished, args, error
	      FROM tasks WHERE id = $1`
	row := queryRow(ctx, tx, s.pool, q, id)
	return scanTask(row)
}

// UpdateTaskState advances a Task's state, enforcing the monotone
// transition rule and stamping date_started/date_finished as
// appropriate. Returns InvalidState if the transition is not allowed.
func (s *Store) UpdateTaskState(ctx context.Context, tx pgx.Tx, id int64, to domain.TaskState, taskErr *domain.TaskError) error {
	current, err := s.GetTask(ctx, tx, id)
	if err != nil {
		return err
	}

	if current.State.Terminal() {
		return errs.New(errs.InvalidState, fmt.Sprintf("task %d is already in terminal state %q", id, current.State))
	}
	if !domain.CanTransition(current.State, to) {
		return errs.New(errs.InvalidState, fmt.Sprintf("cannot transition task %d from %q to %q", id, current.State, to))
	}

	now := time.Now().UTC()
	var errJSON []byte
	if taskErr != nil {
		errJSON, err = json.Marshal(taskErr)
		if err != nil {
			return errs.New(errs.InvalidArgument, "marshal task error", errs.WithErr(err))
		}
	}

	switch to {
	case domain.TaskRunning:
		_, err = execCtx(ctx, tx, s.pool, `UPDATE tasks SET state = $1, date_started = $2 WHERE id = $3`, string(to), now, id)
	case domain.TaskCompleted, domain.TaskFailed, domain.TaskCanceled:
		_, err = execCtx(ctx, tx, s.pool, `UPDATE tasks SET state = $1, date_finished = $2, error = $3 WHERE id = $4`, string(to), now, errJSON, id)
	default:
		return errs.New(errs.InvalidState, fmt.Sprintf("unreachable target state %q", to))
	}
	if err != nil {
		return fmt.Errorf("taskstore: update task state: %w", err)
	}
	return nil
}

// SetTaskWorkerJobID records the queue's job id against a Task, done at
// enqueue time so cancellation can later look it up.
func (s *Store) SetTaskWorkerJobID(ctx context.Context, tx pgx.Tx, id int64, workerJobID string) error {
	_, err := execCtx(ctx, tx, s.pool, `UPDATE tasks SET worker_job_id = $1 WHERE id = $2`, workerJobID, id)
	if err != nil {
		return fmt.Errorf("taskstore: set worker job id: %w", err)
	}
	return nil
}

// CountTasks returns the number of Task rows matching the filters.
func (s *Store) CountTasks(ctx context.Context, filters []Filter) (int64, error) {
	where, args := Build(filters, 0)
	q := `SELECT count(*) FROM tasks`
	if where != "" {
		q += " WHERE " + where
	}
	var n int64
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("taskstore: count tasks: %w", err)
	}
	return n, nil
}

// FilterTasks returns every Task matching the filters and order, with no
// paging; callers that need paging should use FilterTasksPaged.
func (s *Store) FilterTasks(ctx context.Context, filters []Filter, order *OrderBy) ([]*domain.Task, error) {
	where, args := Build(filters, 0)
	q := `SELECT id, name, task_type, state, parent_task_id, worker_job_id, worker_name,
	             date_queued, date_started, date_finished, args, error FROM tasks`
	if where != "" {
		q += " WHERE " + where
	}
	q += orderClause(order, "date_queued", Desc)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: filter tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// FilterTasksPaged returns one page of Tasks matching the filters and
// order. The page size is validated against Store.MaxPageSize before any
// read happens.
func (s *Store) FilterTasksPaged(ctx context.Context, filters []Filter, order *OrderBy, page Page) ([]*domain.Task, error) {
	if err := ValidatePage(page, s.MaxPageSize); err != nil {
		return nil, err
	}

	where, args := Build(filters, 0)
	q := `SELECT id, name, task_type, state, parent_task_id, worker_job_id, worker_name,
	             date_queued, date_started, date_finished, args, error FROM tasks`
	if where != "" {
		q += " WHERE " + where
	}
	q += orderClause(order, "date_queued", Desc)

	n := len(args)
	q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, page.PageSize, page.Offset())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: filter tasks paged: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func orderClause(order *OrderBy, defaultCol string, defaultDir Direction) string {
	col, dir := defaultCol, defaultDir
	if order != nil {
		col, dir = order.Column, order.Direction
	}
	return fmt.Sprintf(" ORDER BY %s %s", col, dir)
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	t := &domain.Task{}
	var (
		parentID                    *int64
		argsJSON, errJSON           []byte
		dateStarted, dateFinished   *time.Time
		taskType, state             string
	)
	err := row.Scan(&t.ID, &t.Name, &taskType, &state, &parentID, &t.WorkerJobID, &t.WorkerName,
		&t.DateQueued, &dateStarted, &dateFinished, &argsJSON, &errJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.NotFound, "task not found")
		}
		return nil, fmt.Errorf("taskstore: scan task: %w", err)
	}

	t.Type = domain.TaskType(taskType)
	t.State = domain.TaskState(state)
	t.ParentTaskID = parentID
	t.DateStarted = dateStarted
	t.DateFinished = dateFinished

	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &t.Args); err != nil {
			return nil, fmt.Errorf("taskstore: unmarshal task args: %w", err)
		}
	}
	if len(errJSON) > 0 {
		t.Error = &domain.TaskError{}
		if err := json.Unmarshal(errJSON, t.Error); err != nil {
			return nil, fmt.Errorf("taskstore: unmarshal task error: %w", err)
		}
	}

	return t, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
