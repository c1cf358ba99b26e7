package storage

import (
	"context"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidField  = errors.New("field cannot be set by a transition")
)

// Fields carries extra columns written together with a status transition.
// Keys must be listed in TaskFields or WorkflowFields.
type Fields map[string]any

// Column names accepted in Fields.
const (
	FieldOutput      = "output"
	FieldErrorMsg    = "error_msg"
	FieldAttempts    = "attempts"
	FieldStartedAt   = "started_at"
	FieldFinishedAt  = "finished_at"
	FieldCompletedAt = "completed_at"
)

var (
	TaskFields     = map[string]struct{}{FieldOutput: {}, FieldErrorMsg: {}, FieldAttempts: {}, FieldStartedAt: {}, FieldFinishedAt: {}}
	WorkflowFields = map[string]struct{}{FieldCompletedAt: {}}
)

// Validate checks every key against the allowed set.
func (f Fields) Validate(allowed map[string]struct{}) error {
	for k := range f {
		if _, ok := allowed[k]; !ok {
			return errors.Wrapf(ErrInvalidField, "%q", k)
		}
	}
	return nil
}

// Store defines the storage operations the state manager needs.
// Every status write that can race is conditioned on the expected prior status.
type Store interface {
	// Workflow operations
	CreateWorkflow(ctx context.Context, w models.Workflow, tasks []models.Task) error
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListActiveWorkflows(ctx context.Context) ([]models.Workflow, error)
	ListStaleWorkflows(ctx context.Context, before time.Time) ([]models.Workflow, error)
	CompareAndSwapWorkflowStatus(ctx context.Context, id string, from, to models.WorkflowStatus, fields Fields) (bool, error)
	// UpdateWorkflowProgress writes the counters unconditionally. A terminal p.Status is written with
	// completedAt unless the stored status is already terminal. Reports false when no record exists.
	UpdateWorkflowProgress(ctx context.Context, id string, p models.Progress, completedAt time.Time) (bool, error)
	TouchWorkflow(ctx context.Context, id string, at time.Time) error

	// Task operations
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, workflowID string) ([]models.Task, error)
	// CompareAndSwapTaskStatus returns the task's workflow id when the swap happened.
	CompareAndSwapTaskStatus(ctx context.Context, id string, from, to models.TaskStatus, fields Fields) (string, bool, error)
	// PromoteTasks moves the given tasks from -> to, skipping any whose live status is not from.
	PromoteTasks(ctx context.Context, workflowID string, ids []string, from, to models.TaskStatus) (int, error)

	Close() error
}
