package service

import (
	"context"
	"sync"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultHeartbeatTimeout bounds the detached lastActivityAt update.
	DefaultHeartbeatTimeout = 5 * time.Second
)

var (
	ErrInvalidTransition = errors.New("transition not allowed by status lattice")
	ErrInvalidPlan       = errors.New("invalid workflow plan")
	ErrCyclicDependency  = errors.New("cycle detected in task dependencies")
)

// Logger defines the logging interface for Engine
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Metrics receives counters from the engine. internal/metrics provides a Prometheus implementation.
type Metrics interface {
	ObserveTransition(record string, to string, won bool)
	ObservePromotions(eligible, promoted int)
	ObserveHeartbeatFailure()
	ObserveRefresh(status models.WorkflowStatus)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string, string, bool) {}
func (nopMetrics) ObservePromotions(int, int) {}
func (nopMetrics) ObserveHeartbeatFailure() {}
func (nopMetrics) ObserveRefresh(models.WorkflowStatus) {}

// Option configures an Engine.
type Option func(*Engine)

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatTimeout = d }
}

// WithHeartbeatErrors forwards heartbeat failures to ch. Sends never block; a full channel drops the error.
func WithHeartbeatErrors(ch chan<- error) Option {
	return func(e *Engine) { e.heartbeatErrs = ch }
}

// Engine manages workflow and task state on top of a shared Store.
// It keeps no mutable state of its own: every coordination decision is a conditional write in the store,
// so any number of engines in any number of processes may share one store.
type Engine struct {
	store            storage.Store
	logger           Logger
	metrics          Metrics
	now              func() time.Time
	heartbeatTimeout time.Duration
	heartbeatErrs    chan<- error
	heartbeats       *sync.WaitGroup
}

func NewEngine(store storage.Store, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		logger:           logger,
		metrics:          nopMetrics{},
		now:              time.Now,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		heartbeats:       &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WaitHeartbeats blocks until every detached heartbeat started so far has finished, or ctx is done.
// Call it after the last operation, before closing a store the engine shares.
func (e *Engine) WaitHeartbeats(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.heartbeats.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for heartbeats")
	}
}

// GetWorkflow returns the stored workflow record, or storage.ErrNotFound.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return models.Workflow{}, errors.WithMessagef(err, "get workflow %s", workflowID)
	}
	return wf, nil
}

func (e *Engine) ListTasks(ctx context.Context, workflowID string) ([]models.Task, error) {
	tasks, err := e.store.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "list tasks of workflow %s", workflowID)
	}
	return tasks, nil
}

func (e *Engine) ListActiveWorkflows(ctx context.Context) ([]models.Workflow, error) {
	workflows, err := e.store.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list active workflows")
	}
	return workflows, nil
}
