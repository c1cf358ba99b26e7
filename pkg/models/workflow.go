package models

import "time"

type WorkflowStatus string

const (
	PendingWorkflowStatus         WorkflowStatus = "PENDING"
	RunningWorkflowStatus         WorkflowStatus = "RUNNING"
	CompletedWorkflowStatus       WorkflowStatus = "COMPLETED"
	PartiallyFailedWorkflowStatus WorkflowStatus = "PARTIALLY_FAILED"
	FailedWorkflowStatus          WorkflowStatus = "FAILED"
	CancelledWorkflowStatus       WorkflowStatus = "CANCELLED"
)

var workflowTransitions = map[WorkflowStatus]map[WorkflowStatus]struct{}{
	PendingWorkflowStatus: {
		RunningWorkflowStatus:         {},
		CompletedWorkflowStatus:       {},
		PartiallyFailedWorkflowStatus: {},
		FailedWorkflowStatus:          {},
		CancelledWorkflowStatus:       {},
	},
	RunningWorkflowStatus: {
		CompletedWorkflowStatus:       {},
		PartiallyFailedWorkflowStatus: {},
		FailedWorkflowStatus:          {},
		CancelledWorkflowStatus:       {},
	},
}

// CanTransitionWorkflow reports whether from -> to is an edge of the workflow lattice.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	_, ok := workflowTransitions[from][to]
	return ok
}

func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case CompletedWorkflowStatus, PartiallyFailedWorkflowStatus, FailedWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case PendingWorkflowStatus, RunningWorkflowStatus, CompletedWorkflowStatus,
		PartiallyFailedWorkflowStatus, FailedWorkflowStatus, CancelledWorkflowStatus:
		return true
	}
	return false
}

// Workflow is a single job composed of a DAG of tasks.
type Workflow struct {
	ID             string         `json:"id" db:"id"`                                 // UUID
	UserID         string         `json:"user_id" db:"user_id"`                       // Owning user
	ReportID       *string        `json:"report_id,omitempty" db:"report_id"`         // Linked report (optional)
	InspectionID   *string        `json:"inspection_id,omitempty" db:"inspection_id"` // Linked inspection (optional)
	Config         string         `json:"config" db:"config"`                         // Shared configuration as JSON
	Status         WorkflowStatus `json:"status" db:"status"`                         // See the workflow lattice above
	TotalTasks     int            `json:"total_tasks" db:"total_tasks"`               // Derived
	CompletedTasks int            `json:"completed_tasks" db:"completed_tasks"`       // Derived
	FailedTasks    int            `json:"failed_tasks" db:"failed_tasks"`             // Derived
	LastActivityAt time.Time      `json:"last_activity_at" db:"last_activity_at"`     // Staleness heartbeat
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`   // Set once terminal
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`                 // Creation timestamp
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`                 // Last update timestamp
	Tasks          []Task         `json:"tasks,omitempty" db:"-"`                     // Populated on demand
}

// Progress is the derived rollup of a workflow's task statuses.
type Progress struct {
	Status         WorkflowStatus `json:"status"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	SkippedTasks   int            `json:"skipped_tasks"`
	CancelledTasks int            `json:"cancelled_tasks"`
}
