package service

import (
	"context"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

// Summarize derives the workflow rollup from a snapshot of its tasks.
//
// FAILED and DEAD_LETTER both count as failures. The status rules are checked in order:
// everything finished without failures is COMPLETED, finished with some failures and some
// completions is PARTIALLY_FAILED, finished with no completions is FAILED, anything else is RUNNING.
func Summarize(tasks []models.Task) models.Progress {
	p := models.Progress{TotalTasks: len(tasks)}
	for _, t := range tasks {
		switch {
		case t.Status == models.CompletedTaskStatus:
			p.CompletedTasks++
		case t.Status.IsFailure():
			p.FailedTasks++
		case t.Status == models.SkippedTaskStatus:
			p.SkippedTasks++
		case t.Status == models.CancelledTaskStatus:
			p.CancelledTasks++
		}
	}
	finished := p.CompletedTasks + p.FailedTasks + p.SkippedTasks + p.CancelledTasks

	switch {
	case finished == p.TotalTasks && p.FailedTasks == 0:
		p.Status = models.CompletedWorkflowStatus
	case finished == p.TotalTasks && p.FailedTasks > 0 && p.CompletedTasks > 0:
		p.Status = models.PartiallyFailedWorkflowStatus
	case finished == p.TotalTasks && p.CompletedTasks == 0:
		p.Status = models.FailedWorkflowStatus
	default:
		p.Status = models.RunningWorkflowStatus
	}
	return p
}

// RefreshWorkflowProgress recomputes the workflow's counters from its tasks and persists them.
// Counters are written last-writer-wins; concurrent refreshes over the same snapshot converge.
// A terminal derivation also stores the status and completion time; RUNNING leaves the stored
// status untouched.
func (e *Engine) RefreshWorkflowProgress(ctx context.Context, workflowID string) (models.Progress, error) {
	tasks, err := e.store.ListTasks(ctx, workflowID)
	if err != nil {
		return models.Progress{}, errors.WithMessagef(err, "refresh progress of workflow %s", workflowID)
	}
	p := Summarize(tasks)

	found, err := e.store.UpdateWorkflowProgress(ctx, workflowID, p, e.now())
	if err != nil {
		return models.Progress{}, errors.WithMessagef(err, "store progress of workflow %s", workflowID)
	}
	if !found {
		e.logger.Debugf("Workflow %s not found, progress not stored", workflowID)
		return p, nil
	}
	e.metrics.ObserveRefresh(p.Status)
	if p.Status.IsTerminal() {
		e.logger.Infof("Workflow %s finished as %s (%d/%d completed, %d failed)",
			workflowID, p.Status, p.CompletedTasks, p.TotalTasks, p.FailedTasks)
	}
	return p, nil
}
