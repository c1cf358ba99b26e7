package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

// MemoryStore implements Store in process memory. The mutex stands in for the
// row-level atomicity a database gives each conditional write.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[string]models.Workflow
	tasks     map[string]models.Task
	order     map[string][]string // workflow id -> task ids in insertion order
	touchErr  error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]models.Workflow),
		tasks:     make(map[string]models.Task),
		order:     make(map[string][]string),
	}
}

// FailTouches makes every TouchWorkflow call return err (nil restores normal behaviour).
func (m *MemoryStore) FailTouches(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchErr = err
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf models.Workflow, tasks []models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return errors.Wrapf(ErrAlreadyExists, "workflow %s", wf.ID)
	}
	for _, t := range tasks {
		if _, ok := m.tasks[t.ID]; ok {
			return errors.Wrapf(ErrAlreadyExists, "task %s", t.ID)
		}
	}
	wf.Tasks = nil
	m.workflows[wf.ID] = wf
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t.DependsOnTaskIDs = append([]string{}, t.DependsOnTaskIDs...)
		m.tasks[t.ID] = t
		ids = append(ids, t.ID)
	}
	m.order[wf.ID] = ids
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, errors.Wrapf(ErrNotFound, "workflow %s", id)
	}
	return wf, nil
}

func (m *MemoryStore) ListActiveWorkflows(_ context.Context) ([]models.Workflow, error) {
	return m.filterWorkflows(func(wf models.Workflow) bool { return !wf.Status.IsTerminal() }), nil
}

func (m *MemoryStore) ListStaleWorkflows(_ context.Context, before time.Time) ([]models.Workflow, error) {
	return m.filterWorkflows(func(wf models.Workflow) bool {
		return !wf.Status.IsTerminal() && wf.LastActivityAt.Before(before)
	}), nil
}

func (m *MemoryStore) filterWorkflows(keep func(models.Workflow) bool) []models.Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflows := []models.Workflow{}
	for _, wf := range m.workflows {
		if keep(wf) {
			workflows = append(workflows, wf)
		}
	}
	sort.Slice(workflows, func(i, j int) bool { return workflows[i].CreatedAt.Before(workflows[j].CreatedAt) })
	return workflows
}

func (m *MemoryStore) CompareAndSwapWorkflowStatus(_ context.Context, id string, from, to models.WorkflowStatus, fields Fields) (bool, error) {
	if err := fields.Validate(WorkflowFields); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.Status != from {
		return false, nil
	}
	wf.Status = to
	if v, ok := fields[FieldCompletedAt]; ok {
		at, err := TimeValue(v)
		if err != nil {
			return false, err
		}
		wf.CompletedAt = at
	}
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return true, nil
}

func (m *MemoryStore) UpdateWorkflowProgress(_ context.Context, id string, p models.Progress, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return false, nil
	}
	wf.TotalTasks = p.TotalTasks
	wf.CompletedTasks = p.CompletedTasks
	wf.FailedTasks = p.FailedTasks
	if p.Status.IsTerminal() && !wf.Status.IsTerminal() {
		wf.Status = p.Status
		wf.CompletedAt = &completedAt
	}
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return true, nil
}

func (m *MemoryStore) TouchWorkflow(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touchErr != nil {
		return m.touchErr
	}
	wf, ok := m.workflows[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "workflow %s", id)
	}
	wf.LastActivityAt = at
	m.workflows[id] = wf
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, errors.Wrapf(ErrNotFound, "task %s", id)
	}
	return copyTask(t), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, workflowID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := make([]models.Task, 0, len(m.order[workflowID]))
	for _, id := range m.order[workflowID] {
		tasks = append(tasks, copyTask(m.tasks[id]))
	}
	return tasks, nil
}

func (m *MemoryStore) CompareAndSwapTaskStatus(_ context.Context, id string, from, to models.TaskStatus, fields Fields) (string, bool, error) {
	if err := fields.Validate(TaskFields); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return "", false, nil
	}
	if err := applyTaskFields(&t, fields); err != nil {
		return "", false, err
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return t.WorkflowID, true, nil
}

func (m *MemoryStore) PromoteTasks(_ context.Context, workflowID string, ids []string, from, to models.TaskStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	changed := 0
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok || t.WorkflowID != workflowID || t.Status != from {
			continue
		}
		t.Status = to
		t.UpdatedAt = now
		m.tasks[id] = t
		changed++
	}
	return changed, nil
}

func copyTask(t models.Task) models.Task {
	t.DependsOnTaskIDs = append([]string{}, t.DependsOnTaskIDs...)
	return t
}

func applyTaskFields(t *models.Task, fields Fields) error {
	for k, v := range fields {
		switch k {
		case FieldOutput:
			out, err := TextValue(v)
			if err != nil {
				return errors.WithMessage(err, k)
			}
			t.Output = out
		case FieldErrorMsg:
			msg, err := TextValue(v)
			if err != nil {
				return errors.WithMessage(err, k)
			}
			t.ErrorMsg = ""
			if msg != nil {
				t.ErrorMsg = *msg
			}
		case FieldAttempts:
			n, ok := v.(int)
			if !ok {
				return fmt.Errorf("%s: expected int, got %T", k, v)
			}
			t.Attempts = n
		case FieldStartedAt, FieldFinishedAt:
			at, err := TimeValue(v)
			if err != nil {
				return errors.WithMessage(err, k)
			}
			if k == FieldStartedAt {
				t.StartedAt = at
			} else {
				t.FinishedAt = at
			}
		}
	}
	return nil
}

// TextValue normalises the value types accepted for text columns.
func TextValue(v any) (*string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &s, nil
	case *string:
		return s, nil
	case models.Payload:
		if s == nil {
			return nil, nil
		}
		str := s.String()
		return &str, nil
	case []byte:
		str := string(s)
		return &str, nil
	}
	return nil, fmt.Errorf("expected text, got %T", v)
}

// TimeValue normalises the value types accepted for timestamp columns.
func TimeValue(v any) (*time.Time, error) {
	switch at := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &at, nil
	case *time.Time:
		return at, nil
	}
	return nil, fmt.Errorf("expected time, got %T", v)
}
