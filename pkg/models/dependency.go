package models

// Dependency defines a relationship where one task depends on another.
type Dependency struct {
	TaskID     string `json:"task_id" db:"task_id"`         // Task that depends on another
	DependsOn  string `json:"depends_on" db:"depends_on"`   // Prerequisite task
	WorkflowID string `json:"workflow_id" db:"workflow_id"` // Foreign key to Workflow
}

// Dependencies flattens the dependency lists of tasks into rows.
func Dependencies(tasks []Task) []Dependency {
	var deps []Dependency
	for _, t := range tasks {
		for _, d := range t.DependsOnTaskIDs {
			deps = append(deps, Dependency{TaskID: t.ID, DependsOn: d, WorkflowID: t.WorkflowID})
		}
	}
	return deps
}

// AttachDependencies fills DependsOnTaskIDs from dependency rows, preserving row order.
func AttachDependencies(tasks []Task, deps []Dependency) {
	byTask := make(map[string][]string, len(tasks))
	for _, d := range deps {
		byTask[d.TaskID] = append(byTask[d.TaskID], d.DependsOn)
	}
	for i := range tasks {
		ids := byTask[tasks[i].ID]
		if ids == nil {
			ids = []string{}
		}
		tasks[i].DependsOnTaskIDs = ids
	}
}
