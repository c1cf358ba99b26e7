package service

import (
	"context"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

// ReadyCandidates returns the ids of PENDING tasks whose dependencies are all COMPLETED.
// A dependency id that is not in tasks is never satisfied.
func ReadyCandidates(tasks []models.Task) []string {
	completed := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.Status == models.CompletedTaskStatus {
			completed[t.ID] = struct{}{}
		}
	}

	var eligible []string
	for _, t := range tasks {
		if t.Status != models.PendingTaskStatus {
			continue
		}
		ready := true
		for _, dep := range t.DependsOnTaskIDs {
			if _, ok := completed[dep]; !ok {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, t.ID)
		}
	}
	return eligible
}

// MarkTasksReady promotes every eligible PENDING task of the workflow to READY and returns how many
// records actually changed. Eligibility is recomputed from a full scan on every call, so calling it
// again with no intervening completions promotes nothing.
func (e *Engine) MarkTasksReady(ctx context.Context, workflowID string) (int, error) {
	tasks, err := e.store.ListTasks(ctx, workflowID)
	if err != nil {
		return 0, errors.WithMessagef(err, "mark tasks ready for workflow %s", workflowID)
	}
	eligible := ReadyCandidates(tasks)
	if len(eligible) == 0 {
		return 0, nil
	}

	promoted, err := e.store.PromoteTasks(ctx, workflowID, eligible, models.PendingTaskStatus, models.ReadyTaskStatus)
	if err != nil {
		return 0, errors.WithMessagef(err, "promote tasks of workflow %s", workflowID)
	}
	e.metrics.ObservePromotions(len(eligible), promoted)
	if promoted < len(eligible) {
		e.logger.Debugf("Workflow %s: %d of %d eligible tasks were promoted elsewhere", workflowID, len(eligible)-promoted, len(eligible))
	}
	if promoted > 0 {
		e.logger.Infof("Workflow %s: promoted %d task(s) to READY", workflowID, promoted)
		e.heartbeat(ctx, workflowID)
	}
	return promoted, nil
}
