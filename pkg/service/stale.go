package service

import (
	"context"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

const (
	DefaultStaleAfter    = 15 * time.Minute
	DefaultStaleInterval = time.Minute
)

// FindStaleWorkflows lists unfinished workflows with no recorded activity for longer than olderThan.
// A workflow whose tasks are stuck behind an unsatisfiable dependency shows up here as well.
func (e *Engine) FindStaleWorkflows(ctx context.Context, olderThan time.Duration) ([]models.Workflow, error) {
	workflows, err := e.store.ListStaleWorkflows(ctx, e.now().Add(-olderThan))
	if err != nil {
		return nil, errors.WithMessage(err, "find stale workflows")
	}
	return workflows, nil
}

// StaleMonitor periodically reports stale workflows to a callback.
type StaleMonitor struct {
	engine     *Engine
	logger     Logger
	staleAfter time.Duration
	interval   time.Duration
	onStale    func(context.Context, models.Workflow)
}

func NewStaleMonitor(engine *Engine, logger Logger, staleAfter, interval time.Duration, onStale func(context.Context, models.Workflow)) *StaleMonitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if interval <= 0 {
		interval = DefaultStaleInterval
	}
	return &StaleMonitor{
		engine:     engine,
		logger:     logger,
		staleAfter: staleAfter,
		interval:   interval,
		onStale:    onStale,
	}
}

// Start runs the monitor until ctx is cancelled or the returned handle is stopped.
func (m *StaleMonitor) Start(ctx context.Context) *Handle {
	return startLoop(ctx, m.run)
}

func (m *StaleMonitor) run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check runs a single scan and returns the number of stale workflows reported.
func (m *StaleMonitor) Check(ctx context.Context) int {
	workflows, err := m.engine.FindStaleWorkflows(ctx, m.staleAfter)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Errorf("Stale workflow scan failed: %v", err)
		}
		return 0
	}
	for _, wf := range workflows {
		m.logger.Infof("Workflow %s is stale: no activity since %s", wf.ID, wf.LastActivityAt.Format(time.RFC3339))
		if m.onStale != nil {
			m.onStale(ctx, wf)
		}
	}
	return len(workflows)
}
