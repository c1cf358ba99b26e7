package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus    TaskStatus = "PENDING"
	ReadyTaskStatus      TaskStatus = "READY"
	RunningTaskStatus    TaskStatus = "RUNNING"
	CompletedTaskStatus  TaskStatus = "COMPLETED"
	FailedTaskStatus     TaskStatus = "FAILED"
	DeadLetterTaskStatus TaskStatus = "DEAD_LETTER"
	SkippedTaskStatus    TaskStatus = "SKIPPED"
	CancelledTaskStatus  TaskStatus = "CANCELLED"
)

// taskTransitions is the monotonic task lattice. Nothing moves backwards.
var taskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	PendingTaskStatus: {
		ReadyTaskStatus:     {},
		SkippedTaskStatus:   {},
		CancelledTaskStatus: {},
	},
	ReadyTaskStatus: {
		RunningTaskStatus:   {},
		SkippedTaskStatus:   {},
		CancelledTaskStatus: {},
	},
	RunningTaskStatus: {
		CompletedTaskStatus: {},
		FailedTaskStatus:    {},
		CancelledTaskStatus: {},
	},
	FailedTaskStatus: {
		DeadLetterTaskStatus: {},
	},
}

// CanTransitionTask reports whether from -> to is an edge of the task lattice.
func CanTransitionTask(from, to TaskStatus) bool {
	_, ok := taskTransitions[from][to]
	return ok
}

// IsTerminal reports whether the status counts as finished for progress aggregation.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case CompletedTaskStatus, FailedTaskStatus, DeadLetterTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

// IsFailure reports whether the status counts as a failure in rollups.
func (s TaskStatus) IsFailure() bool {
	return s == FailedTaskStatus || s == DeadLetterTaskStatus
}

// BlocksDependents reports whether a dependency in this status can never become COMPLETED.
func (s TaskStatus) BlocksDependents() bool {
	switch s {
	case FailedTaskStatus, DeadLetterTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

func (s TaskStatus) Valid() bool {
	switch s {
	case PendingTaskStatus, ReadyTaskStatus, RunningTaskStatus, CompletedTaskStatus,
		FailedTaskStatus, DeadLetterTaskStatus, SkippedTaskStatus, CancelledTaskStatus:
		return true
	}
	return false
}

// Task is one unit of agent work inside a workflow.
type Task struct {
	ID               string     `json:"id" db:"id"`                             // UUID
	WorkflowID       string     `json:"workflow_id" db:"workflow_id"`           // Foreign key to Workflow
	AgentSlug        string     `json:"agent_slug" db:"agent_slug"`             // Agent/kind identifier (e.g., "site-summary")
	Status           TaskStatus `json:"status" db:"status"`                     // See the task lattice above
	Output           *string    `json:"output,omitempty" db:"output"`           // JSON written by the executor
	ErrorMsg         string     `json:"error,omitempty" db:"error_msg"`         // Last error message (optional)
	Attempts         int        `json:"attempts" db:"attempts"`                 // Execution attempts so far
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`             // Creation timestamp
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`             // Last update timestamp
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt       *time.Time `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	DependsOnTaskIDs []string   `json:"depends_on_task_ids" db:"-"`             // Task IDs in the same workflow
}

// OutputPayload returns the stored output as a Payload, or nil when none was written.
func (t Task) OutputPayload() Payload {
	if t.Output == nil {
		return nil
	}
	return Payload(*t.Output)
}
