package service

import (
	"context"
	"fmt"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
)

// blockedTasks returns PENDING tasks that depend on a task which can no longer complete,
// together with the first such dependency.
func blockedTasks(tasks []models.Task) map[string]string {
	status := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	blocked := make(map[string]string)
	for _, t := range tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		for _, dep := range t.DependsOnTaskIDs {
			if st, ok := status[dep]; ok && st.BlocksDependents() {
				blocked[t.ID] = dep
				break
			}
		}
	}
	return blocked
}

// SkipBlockedTasks moves every PENDING task downstream of a failed, dead-lettered, skipped or
// cancelled dependency to SKIPPED, transitively, and returns how many tasks this call skipped.
func (e *Engine) SkipBlockedTasks(ctx context.Context, workflowID string) (int, error) {
	total := 0
	for {
		tasks, err := e.store.ListTasks(ctx, workflowID)
		if err != nil {
			return total, errors.WithMessagef(err, "skip blocked tasks of workflow %s", workflowID)
		}
		blocked := blockedTasks(tasks)
		if len(blocked) == 0 {
			return total, nil
		}
		skipped := 0
		for _, t := range tasks {
			dep, ok := blocked[t.ID]
			if !ok {
				continue
			}
			fields := storage.Fields{storage.FieldErrorMsg: fmt.Sprintf("dependency %s can no longer complete", dep)}
			moved, err := e.TransitionTask(ctx, t.ID, models.PendingTaskStatus, models.SkippedTaskStatus, fields)
			if err != nil {
				return total, err
			}
			if moved {
				skipped++
			}
		}
		total += skipped
		// every candidate was moved by someone else; their caller continues the cascade
		if skipped == 0 {
			return total, nil
		}
	}
}

// CancelWorkflow moves the workflow to CANCELLED unless it already finished, then cancels every
// task that has not started yet. Running tasks are left to their workers.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) (int, error) {
	if err := e.cancelWorkflowRecord(ctx, workflowID); err != nil {
		return 0, err
	}
	tasks, err := e.store.ListTasks(ctx, workflowID)
	if err != nil {
		return 0, errors.WithMessagef(err, "cancel workflow %s", workflowID)
	}

	cancelled := 0
	for _, t := range tasks {
		if t.Status != models.PendingTaskStatus && t.Status != models.ReadyTaskStatus {
			continue
		}
		moved, err := e.TransitionTask(ctx, t.ID, t.Status, models.CancelledTaskStatus, nil)
		if err != nil {
			return cancelled, err
		}
		if moved {
			cancelled++
		}
	}

	if _, err := e.RefreshWorkflowProgress(ctx, workflowID); err != nil {
		return cancelled, err
	}
	e.logger.Infof("Cancelled workflow %s (%d task(s) cancelled)", workflowID, cancelled)
	return cancelled, nil
}

// cancelWorkflowRecord retries the CANCELLED swap from the live status until it wins or the
// workflow reaches another terminal status. The tasks must not be touched before this returns:
// a rollup over all-cancelled tasks of a non-cancelled workflow reads as COMPLETED.
func (e *Engine) cancelWorkflowRecord(ctx context.Context, workflowID string) error {
	for {
		wf, err := e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return errors.WithMessagef(err, "cancel workflow %s", workflowID)
		}
		if wf.Status.IsTerminal() {
			return nil
		}
		fields := storage.Fields{storage.FieldCompletedAt: e.now()}
		swapped, err := e.TransitionWorkflow(ctx, workflowID, wf.Status, models.CancelledWorkflowStatus, fields)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.WithMessagef(err, "cancel workflow %s", workflowID)
		}
	}
}

// DeadLetterTask parks a FAILED task for manual follow-up.
func (e *Engine) DeadLetterTask(ctx context.Context, taskID, reason string) (bool, error) {
	return e.TransitionTask(ctx, taskID, models.FailedTaskStatus, models.DeadLetterTaskStatus,
		storage.Fields{storage.FieldErrorMsg: reason})
}
