package taskstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pulpfleet/reposync/domain"
	"github.com/pulpfleet/reposync/errs"
)

// AppendStage appends a new, non-terminal stage to a Task. Stages are
// append-only: the driver never rewrites a prior stage, it only closes
// the current one out via CloseStage and appends the next.
func (s *Store) AppendStage(ctx context.Context, tx pgx.Tx, stage *domain.TaskStage) (int64, error) {
	detailJSON, err := json.Marshal(stage.Detail)
	if err != nil {
		return 0, errs.New(errs.InvalidArgument, "marshal stage detail", errs.WithErr(err))
	}

	var id int64
	q := `INSERT INTO task_stages (task_id, name, detail, terminal) VALUES ($1, $2, $3, false) RETURNING id`
	row := queryRow(ctx, tx, s.pool, q, stage.TaskID, stage.Name, detailJSON)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("taskstore: append stage: %w", err)
	}
	return id, nil
}

// CloseStage marks a stage terminal, optionally attaching an error.
// Called when the driver's state machine advances past that stage.
func (s *Store) CloseStage(ctx context.Context, tx pgx.Tx, stageID int64, stageErr *domain.TaskError) error {
	var errJSON []byte
	if stageErr != nil {
		var err error
		errJSON, err = json.Marshal(stageErr)
		if err != nil {
			return errs.New(errs.InvalidArgument, "marshal stage error", errs.WithErr(err))
		}
	}
	_, err := execCtx(ctx, tx, s.pool, `UPDATE task_stages SET terminal = true, error = $1 WHERE id = $2`, errJSON, stageID)
	if err != nil {
		return fmt.Errorf("taskstore: close stage: %w", err)
	}
	return nil
}

// UpdateStageDetail merges additional keys into a stage's detail map,
// used for the fan-out loop's human-readable progress message (§4.5.3).
func (s *Store) UpdateStageDetail(ctx context.Context, tx pgx.Tx, stageID int64, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return errs.New(errs.InvalidArgument, "marshal stage detail", errs.WithErr(err))
	}
	_, err = execCtx(ctx, tx, s.pool, `UPDATE task_stages SET detail = detail || $1::jsonb WHERE id = $2`, detailJSON, stageID)
	if err != nil {
		return fmt.Errorf("taskstore: update stage detail: %w", err)
	}
	return nil
}

// CurrentStage returns the Task's single non-terminal stage, or nil if
// every stage has closed (or none has been appended yet).
func (s *Store) CurrentStage(ctx context.Context, tx pgx.Tx, taskID int64) (*domain.TaskStage, error) {
	q := `SELECT id, task_id, name, detail, error, terminal FROM task_stages
	      WHERE task_id = $1 AND terminal = false ORDER BY id DESC LIMIT 1`
	row := queryRow(ctx, tx, s.pool, q, taskID)

	stage := &domain.TaskStage{}
	var detailJSON, errJSON []byte
	err := row.Scan(&stage.ID, &stage.TaskID, &stage.Name, &detailJSON, &errJSON, &stage.Terminal)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: current stage: %w", err)
	}
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &stage.Detail); err != nil {
			return nil, fmt.Errorf("taskstore: unmarshal stage detail: %w", err)
		}
	}
	if len(errJSON) > 0 {
		stage.Error = &domain.TaskError{}
		if err := json.Unmarshal(errJSON, stage.Error); err != nil {
			return nil, fmt.Errorf("taskstore: unmarshal stage error: %w", err)
		}
	}
	return stage, nil
}

// ListStages returns every stage appended to a Task, oldest first.
func (s *Store) ListStages(ctx context.Context, taskID int64) ([]*domain.TaskStage, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, task_id, name, detail, error, terminal FROM task_stages WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("taskstore: list stages: %w", err)
	}
	defer rows.Close()

	var out []*domain.TaskStage
	for rows.Next() {
		stage := &domain.TaskStage{}
		var detailJSON, errJSON []byte
		if err := rows.Scan(&stage.ID, &stage.TaskID, &stage.Name, &detailJSON, &errJSON, &stage.Terminal); err != nil {
			return nil, fmt.Errorf("taskstore: scan stage: %w", err)
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &stage.Detail); err != nil {
				return nil, fmt.Errorf("taskstore: unmarshal stage detail: %w", err)
			}
		}
		if len(errJSON) > 0 {
			stage.Error = &domain.TaskError{}
			if err := json.Unmarshal(errJSON, stage.Error); err != nil {
				return nil, fmt.Errorf("taskstore: unmarshal stage error: %w", err)
			}
		}
		out = append(out, stage)
	}
	return out, rows.Err()
}
