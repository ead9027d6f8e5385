package syncdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pulpfleet/reposync/contentserver"
	"github.com/pulpfleet/reposync/domain"
)

// fanOut implements §4.5.3: maintains an in-flight set bounded by
// maxConcurrent, advancing every in-flight unit once per iteration
// until none remain pending or in flight. Within one iteration, the
// outbound content-server calls for every in-flight unit run
// concurrently (bounded by a semaphore at maxConcurrent, since
// in-flight itself is already capped there) via errgroup, so one slow
// poll never blocks the others.
func (d *Driver) fanOut(ctx context.Context, client *contentserver.Client, units []*syncUnit, maxConcurrent int, parentTaskID int64) error {
	pending := make([]*syncUnit, len(units))
	copy(pending, units)
	var inFlight []*syncUnit
	sem := semaphore.NewWeighted(int64(maxConcurrent))

	for len(pending) > 0 || len(inFlight) > 0 {
		canceled, err := d.parentCanceled(ctx, parentTaskID)
		if err != nil {
			return err
		}
		if canceled {
			d.logger.Info("parent task canceled, no longer starting new child tasks", "parent_task_id", parentTaskID)
			pending = nil
		}

		for len(inFlight) < maxConcurrent && len(pending) > 0 {
			u := pending[0]
			pending = pending[1:]
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			failed, startErr := d.startSync(ctx, client, u)
			sem.Release(1)
			if startErr != nil {
				return startErr
			}
			if !failed {
				inFlight = append(inFlight, u)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		done := make([]bool, len(inFlight))
		for i, u := range inFlight {
			i, u := i, u
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				ok, err := d.progressSync(gctx, client, u.kind, u)
				if err != nil {
					return err
				}
				done[i] = ok
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var stillInFlight []*syncUnit
		for i, u := range inFlight {
			if !done[i] {
				stillInFlight = append(stillInFlight, u)
			}
		}
		inFlight = stillInFlight

		if err := d.updateProgress(ctx, parentTaskID, len(pending), len(inFlight), len(units)); err != nil {
			d.logger.Warn("update fan-out progress", "parent_task_id", parentTaskID, "error", err)
		}

		if len(pending) == 0 && len(inFlight) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
	return nil
}

// parentCanceled reports whether the parent Task has been externally
// transitioned to canceled.
func (d *Driver) parentCanceled(ctx context.Context, parentTaskID int64) (bool, error) {
	if parentTaskID == 0 {
		return false, nil
	}
	var canceled bool
	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		task, err := d.store.GetTask(ctx, tx, parentTaskID)
		if err != nil {
			return err
		}
		canceled = task.State == domain.TaskCanceled
		return nil
	})
	return canceled, err
}

// updateProgress writes a human-readable overall progress message onto
// the parent Task's current stage (§4.5.3).
func (d *Driver) updateProgress(ctx context.Context, parentTaskID int64, pending, inFlight, total int) error {
	if parentTaskID == 0 {
		return nil
	}
	return d.store.WithTx(ctx, func(tx pgx.Tx) error {
		stage, err := d.store.CurrentStage(ctx, tx, parentTaskID)
		if err != nil {
			return err
		}
		if stage == nil {
			return nil
		}
		done := total - pending - inFlight
		msg := fmt.Sprintf("%d/%d repos synced, %d in flight, %d pending", done, total, inFlight, pending)
		return d.store.UpdateStageDetail(ctx, tx, stage.ID, map[string]any{"progress": msg})
	})
}
