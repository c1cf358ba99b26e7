package service

import (
	"context"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
)

// TransitionTask moves a task from -> to only if its live status is still from.
// A false result means the record moved on (or does not exist) and is not an error;
// the caller decides whether to re-read and try a different transition.
func (e *Engine) TransitionTask(ctx context.Context, taskID string, from, to models.TaskStatus, fields storage.Fields) (bool, error) {
	if !models.CanTransitionTask(from, to) {
		return false, errors.Wrapf(ErrInvalidTransition, "task %s: %s -> %s", taskID, from, to)
	}
	workflowID, swapped, err := e.store.CompareAndSwapTaskStatus(ctx, taskID, from, to, fields)
	if err != nil {
		return false, errors.WithMessagef(err, "transition task %s %s -> %s", taskID, from, to)
	}
	e.metrics.ObserveTransition("task", string(to), swapped)
	if !swapped {
		e.logger.Debugf("Task %s was no longer %s, transition to %s skipped", taskID, from, to)
		return false, nil
	}
	e.logger.Debugf("Task %s moved %s -> %s", taskID, from, to)
	e.heartbeat(ctx, workflowID)
	return true, nil
}

// TransitionWorkflow is TransitionTask at workflow granularity.
func (e *Engine) TransitionWorkflow(ctx context.Context, workflowID string, from, to models.WorkflowStatus, fields storage.Fields) (bool, error) {
	if !models.CanTransitionWorkflow(from, to) {
		return false, errors.Wrapf(ErrInvalidTransition, "workflow %s: %s -> %s", workflowID, from, to)
	}
	swapped, err := e.store.CompareAndSwapWorkflowStatus(ctx, workflowID, from, to, fields)
	if err != nil {
		return false, errors.WithMessagef(err, "transition workflow %s %s -> %s", workflowID, from, to)
	}
	e.metrics.ObserveTransition("workflow", string(to), swapped)
	if !swapped {
		e.logger.Debugf("Workflow %s was no longer %s, transition to %s skipped", workflowID, from, to)
		return false, nil
	}
	e.logger.Infof("Workflow %s moved %s -> %s", workflowID, from, to)
	e.heartbeat(ctx, workflowID)
	return true, nil
}

// heartbeat bumps lastActivityAt in a detached goroutine. The caller never waits on it and its
// failure never changes the result of the transition that triggered it.
func (e *Engine) heartbeat(ctx context.Context, workflowID string) {
	at := e.now()
	hbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.heartbeatTimeout)
	errc := make(chan error, 1)
	e.heartbeats.Add(1)
	go func() {
		defer cancel()
		errc <- e.store.TouchWorkflow(hbCtx, workflowID, at)
	}()
	go func() {
		defer e.heartbeats.Done()
		err := <-errc
		if err == nil {
			return
		}
		err = errors.WithMessagef(err, "heartbeat for workflow %s", workflowID)
		e.metrics.ObserveHeartbeatFailure()
		e.logger.Errorf("Failed to record activity: %v", err)
		if e.heartbeatErrs != nil {
			select {
			case e.heartbeatErrs <- err:
			default:
			}
		}
	}()
}
