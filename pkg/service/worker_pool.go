package service

import (
	"context"
	"runtime"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	// default task timeout is 1m
	DefaultTaskTimeout  = 60 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultRetryDelay   = 100 * time.Millisecond
	// outcomes are recorded even after shutdown starts, bounded by this timeout
	recordTimeout = 10 * time.Second
)

// Executor runs the agent logic behind a task. It is the external collaborator the pool
// hands claimed tasks to; the pool only records what it returns.
type Executor interface {
	Execute(ctx context.Context, wctx *WorkflowContext, task models.Task) (models.Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, wctx *WorkflowContext, task models.Task) (models.Payload, error)

func (f ExecutorFunc) Execute(ctx context.Context, wctx *WorkflowContext, task models.Task) (models.Payload, error) {
	return f(ctx, wctx, task)
}

// PoolConfig tunes a WorkerPool. Zero values fall back to defaults.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Retries      int
	RetryDelay   time.Duration
}

// WorkerPool drives workflows forward: it promotes ready tasks, claims them with a conditional
// READY -> RUNNING transition, runs them through the Executor and records the outcome.
// Several pools, in one process or many, can share a store; a lost claim is simply skipped.
type WorkerPool struct {
	engine   *Engine
	executor Executor
	logger   Logger
	cfg      PoolConfig
}

func NewWorkerPool(engine *Engine, executor Executor, logger Logger, cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &WorkerPool{engine: engine, executor: executor, logger: logger, cfg: cfg}
}

// Start runs the pool in the background. The caller owns the returned handle.
func (wp *WorkerPool) Start(ctx context.Context) *Handle {
	return startLoop(ctx, wp.Run)
}

// Run blocks until ctx is cancelled.
func (wp *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	taskChan := make(chan models.Task, wp.cfg.Workers)

	for i := 0; i < wp.cfg.Workers; i++ {
		g.Go(func() error {
			for task := range taskChan {
				if gctx.Err() != nil {
					continue
				}
				wp.runTask(gctx, task)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(taskChan)
		ticker := time.NewTicker(wp.cfg.PollInterval)
		defer ticker.Stop()
		for {
			ready, err := wp.Sweep(gctx)
			if err != nil && gctx.Err() == nil {
				wp.logger.Errorf("Sweep failed: %v", err)
			}
			for _, task := range ready {
				select {
				case taskChan <- task:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Sweep advances every active workflow once and returns the READY tasks found.
func (wp *WorkerPool) Sweep(ctx context.Context) ([]models.Task, error) {
	workflows, err := wp.engine.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	var ready []models.Task
	for _, wf := range workflows {
		tasks, err := wp.advance(ctx, wf)
		if err != nil {
			wp.logger.Errorf("Failed to advance workflow %s: %v", wf.ID, err)
			continue
		}
		ready = append(ready, tasks...)
	}
	return ready, nil
}

func (wp *WorkerPool) advance(ctx context.Context, wf models.Workflow) ([]models.Task, error) {
	if wf.Status == models.PendingWorkflowStatus {
		if _, err := wp.engine.TransitionWorkflow(ctx, wf.ID, models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil); err != nil {
			return nil, err
		}
	}
	if _, err := wp.engine.MarkTasksReady(ctx, wf.ID); err != nil {
		return nil, err
	}
	skipped, err := wp.engine.SkipBlockedTasks(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	tasks, err := wp.engine.ListTasks(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	var ready []models.Task
	unfinished := 0
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			unfinished++
		}
		if t.Status == models.ReadyTaskStatus {
			ready = append(ready, t)
		}
	}
	// nothing left for a worker to report, so the sweep closes the workflow itself
	if skipped > 0 || unfinished == 0 {
		if _, err := wp.engine.RefreshWorkflowProgress(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return ready, nil
}

// runTask claims one READY task, executes it and records the result.
func (wp *WorkerPool) runTask(ctx context.Context, task models.Task) {
	startedAt := wp.engine.now()
	claimed, err := wp.engine.TransitionTask(ctx, task.ID, models.ReadyTaskStatus, models.RunningTaskStatus,
		storage.Fields{storage.FieldStartedAt: startedAt, storage.FieldAttempts: task.Attempts + 1})
	if err != nil {
		wp.logger.Errorf("Failed to claim task %s: %v", task.ID, err)
		return
	}
	if !claimed {
		wp.logger.Debugf("Task %s already claimed elsewhere", task.ID)
		return
	}
	wp.logger.Infof("Claimed task %s (%s) of workflow %s", task.ID, task.AgentSlug, task.WorkflowID)

	attempts := task.Attempts + 1
	output, execErr := wp.execute(ctx, task, &attempts)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	finishedAt := wp.engine.now()
	to := models.CompletedTaskStatus
	fields := storage.Fields{storage.FieldFinishedAt: finishedAt, storage.FieldAttempts: attempts}
	switch {
	case execErr == nil:
		fields[storage.FieldOutput] = output
	case ctx.Err() != nil:
		to = models.CancelledTaskStatus
		fields[storage.FieldErrorMsg] = execErr.Error()
	default:
		to = models.FailedTaskStatus
		fields[storage.FieldErrorMsg] = execErr.Error()
	}
	if _, err := wp.engine.TransitionTask(recordCtx, task.ID, models.RunningTaskStatus, to, fields); err != nil {
		wp.logger.Errorf("Failed to record outcome of task %s: %v", task.ID, err)
		return
	}
	if execErr != nil {
		wp.logger.Infof("Task %s ended as %s after %d attempt(s): %v", task.ID, to, attempts, execErr)
	} else {
		wp.logger.Infof("Task %s completed successfully", task.ID)
	}

	if _, err := wp.engine.MarkTasksReady(recordCtx, task.WorkflowID); err != nil {
		wp.logger.Errorf("Failed to promote tasks of workflow %s: %v", task.WorkflowID, err)
	}
	if _, err := wp.engine.RefreshWorkflowProgress(recordCtx, task.WorkflowID); err != nil {
		wp.logger.Errorf("Failed to refresh workflow %s: %v", task.WorkflowID, err)
	}
}

// execute calls the executor with a per-attempt timeout, retrying up to cfg.Retries times.
func (wp *WorkerPool) execute(ctx context.Context, task models.Task, attempts *int) (models.Payload, error) {
	wctx, err := wp.engine.BuildContext(ctx, task.WorkflowID)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= wp.cfg.Retries; attempt++ {
		if attempt > 0 {
			*attempts++
			wp.logger.Infof("Retrying task %s (attempt %d/%d): %v", task.ID, attempt+1, wp.cfg.Retries+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wp.cfg.RetryDelay):
			}
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, wp.cfg.TaskTimeout)
		output, err := wp.executor.Execute(timeoutCtx, wctx, task)
		cancel()
		if err == nil {
			return output, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
