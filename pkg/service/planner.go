package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PlannedTask is one node of a submitted task graph. Dependencies refer to other tasks by Key.
type PlannedTask struct {
	Key       string   `json:"key" yaml:"key"`
	AgentSlug string   `json:"agent" yaml:"agent"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is a job submission: the owning user, optional links, shared config and the task graph.
type Plan struct {
	UserID       string         `json:"user_id" yaml:"user_id"`
	ReportID     *string        `json:"report_id,omitempty" yaml:"report_id,omitempty"`
	InspectionID *string        `json:"inspection_id,omitempty" yaml:"inspection_id,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Tasks        []PlannedTask  `json:"tasks" yaml:"tasks"`
}

// LoadPlan reads a plan from a YAML or JSON file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, errors.Wrapf(err, "read plan %s", path)
	}
	var plan Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &plan)
	default:
		err = yaml.Unmarshal(data, &plan)
	}
	if err != nil {
		return Plan{}, errors.Wrapf(err, "parse plan %s", path)
	}
	return plan, nil
}

// Validate rejects plans whose graph could strand tasks in PENDING: duplicate or empty keys,
// dependencies on unknown keys, and cycles.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.Wrap(ErrInvalidPlan, "user id is required")
	}
	graph := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Key == "" {
			return errors.Wrap(ErrInvalidPlan, "task key cannot be empty")
		}
		if t.AgentSlug == "" {
			return errors.Wrapf(ErrInvalidPlan, "task %q has no agent", t.Key)
		}
		if _, dup := graph[t.Key]; dup {
			return errors.Wrapf(ErrInvalidPlan, "duplicate task key %q", t.Key)
		}
		graph[t.Key] = t.DependsOn
	}
	for key, deps := range graph {
		for _, dep := range deps {
			if dep == key {
				return errors.Wrapf(ErrCyclicDependency, "task %q depends on itself", key)
			}
			if _, ok := graph[dep]; !ok {
				return errors.Wrapf(ErrInvalidPlan, "dependency %q of task %q is not part of the plan", dep, key)
			}
		}
	}

	visited := make(map[string]bool, len(graph))
	onStack := make(map[string]bool, len(graph))
	var visit func(string) bool
	visit = func(key string) bool {
		visited[key] = true
		onStack[key] = true
		for _, dep := range graph[key] {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[key] = false
		return false
	}
	// walk in plan order so the reported task is deterministic
	for _, t := range p.Tasks {
		if !visited[t.Key] && visit(t.Key) {
			return errors.Wrapf(ErrCyclicDependency, "involving task %q", t.Key)
		}
	}
	return nil
}

// CreateWorkflow validates the plan and persists the workflow with all of its tasks in PENDING.
func (e *Engine) CreateWorkflow(ctx context.Context, plan Plan) (models.Workflow, error) {
	if err := plan.Validate(); err != nil {
		return models.Workflow{}, err
	}
	config := []byte("{}")
	if len(plan.Config) > 0 {
		var err error
		if config, err = json.Marshal(plan.Config); err != nil {
			return models.Workflow{}, errors.Wrap(ErrInvalidPlan, err.Error())
		}
	}

	now := e.now()
	wf := models.Workflow{
		ID:             uuid.NewString(),
		UserID:         plan.UserID,
		ReportID:       plan.ReportID,
		InspectionID:   plan.InspectionID,
		Config:         string(config),
		Status:         models.PendingWorkflowStatus,
		TotalTasks:     len(plan.Tasks),
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ids := make(map[string]string, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		ids[pt.Key] = uuid.NewString()
	}
	tasks := make([]models.Task, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		deps := make([]string, 0, len(pt.DependsOn))
		for _, key := range pt.DependsOn {
			deps = append(deps, ids[key])
		}
		tasks = append(tasks, models.Task{
			ID:               ids[pt.Key],
			WorkflowID:       wf.ID,
			AgentSlug:        pt.AgentSlug,
			Status:           models.PendingTaskStatus,
			CreatedAt:        now,
			UpdatedAt:        now,
			DependsOnTaskIDs: deps,
		})
	}

	if err := e.store.CreateWorkflow(ctx, wf, tasks); err != nil {
		return models.Workflow{}, errors.WithMessagef(err, "create workflow for user %s", plan.UserID)
	}
	e.logger.Infof("Created workflow %s with %d task(s) for user %s", wf.ID, len(tasks), plan.UserID)
	wf.Tasks = tasks
	return wf, nil
}
