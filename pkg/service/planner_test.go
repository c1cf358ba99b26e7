package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    service.Plan
		wantErr error
	}{
		{
			name: "ValidDiamond",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a", AgentSlug: "fetch"},
				{Key: "b", AgentSlug: "left", DependsOn: []string{"a"}},
				{Key: "c", AgentSlug: "right", DependsOn: []string{"a"}},
				{Key: "d", AgentSlug: "merge", DependsOn: []string{"b", "c"}},
			}},
		},
		{
			name:    "MissingUser",
			plan:    service.Plan{Tasks: []service.PlannedTask{{Key: "a", AgentSlug: "x"}}},
			wantErr: service.ErrInvalidPlan,
		},
		{
			name: "DuplicateKey",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a", AgentSlug: "x"},
				{Key: "a", AgentSlug: "y"},
			}},
			wantErr: service.ErrInvalidPlan,
		},
		{
			name: "MissingAgent",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a"},
			}},
			wantErr: service.ErrInvalidPlan,
		},
		{
			name: "DanglingDependency",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a", AgentSlug: "x", DependsOn: []string{"ghost"}},
			}},
			wantErr: service.ErrInvalidPlan,
		},
		{
			name: "SelfDependency",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a", AgentSlug: "x", DependsOn: []string{"a"}},
			}},
			wantErr: service.ErrCyclicDependency,
		},
		{
			name: "Cycle",
			plan: service.Plan{UserID: "u", Tasks: []service.PlannedTask{
				{Key: "a", AgentSlug: "x", DependsOn: []string{"c"}},
				{Key: "b", AgentSlug: "x", DependsOn: []string{"a"}},
				{Key: "c", AgentSlug: "x", DependsOn: []string{"b"}},
			}},
			wantErr: service.ErrCyclicDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateWorkflow(t *testing.T) {
	ctx := context.Background()

	t.Run("PersistsTasksWithResolvedDependencies", func(t *testing.T) {
		engine, store := newEngine(t)
		reportID := "report-9"
		wf, err := engine.CreateWorkflow(ctx, service.Plan{
			UserID:   "user-1",
			ReportID: &reportID,
			Config:   map[string]any{"tone": "formal"},
			Tasks: []service.PlannedTask{
				{Key: "fetch", AgentSlug: "fetcher"},
				{Key: "write", AgentSlug: "writer", DependsOn: []string{"fetch"}},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, models.PendingWorkflowStatus, wf.Status)
		assert.Equal(t, 2, wf.TotalTasks)
		require.Len(t, wf.Tasks, 2)

		tasks, err := store.ListTasks(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		byAgent := map[string]models.Task{}
		for _, tk := range tasks {
			assert.Equal(t, models.PendingTaskStatus, tk.Status)
			byAgent[tk.AgentSlug] = tk
		}
		assert.Empty(t, byAgent["fetcher"].DependsOnTaskIDs)
		assert.Equal(t, []string{byAgent["fetcher"].ID}, byAgent["writer"].DependsOnTaskIDs)

		stored, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"tone":"formal"}`, stored.Config)
		require.NotNil(t, stored.ReportID)
		assert.Equal(t, "report-9", *stored.ReportID)
	})

	t.Run("DefaultsConfigToEmptyObject", func(t *testing.T) {
		engine, store := newEngine(t)
		wf, err := engine.CreateWorkflow(ctx, service.Plan{UserID: "u", Tasks: []service.PlannedTask{{Key: "a", AgentSlug: "x"}}})
		require.NoError(t, err)
		stored, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, "{}", stored.Config)
	})

	t.Run("RejectsCycleWithoutPersisting", func(t *testing.T) {
		engine, store := newEngine(t)
		_, err := engine.CreateWorkflow(ctx, service.Plan{UserID: "u", Tasks: []service.PlannedTask{
			{Key: "a", AgentSlug: "x", DependsOn: []string{"b"}},
			{Key: "b", AgentSlug: "x", DependsOn: []string{"a"}},
		}})
		assert.ErrorIs(t, err, service.ErrCyclicDependency)

		active, err := store.ListActiveWorkflows(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()

	t.Run("YAML", func(t *testing.T) {
		path := filepath.Join(dir, "plan.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
user_id: user-1
config:
  locale: en-GB
tasks:
  - key: fetch
    agent: fetcher
  - key: write
    agent: writer
    depends_on: [fetch]
`), 0o600))

		plan, err := service.LoadPlan(path)
		require.NoError(t, err)
		assert.Equal(t, "user-1", plan.UserID)
		assert.Equal(t, "en-GB", plan.Config["locale"])
		require.Len(t, plan.Tasks, 2)
		assert.Equal(t, "writer", plan.Tasks[1].AgentSlug)
		assert.Equal(t, []string{"fetch"}, plan.Tasks[1].DependsOn)
		assert.NoError(t, plan.Validate())
	})

	t.Run("JSON", func(t *testing.T) {
		path := filepath.Join(dir, "plan.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"user_id":"u","tasks":[{"key":"a","agent":"x"}]}`), 0o600))

		plan, err := service.LoadPlan(path)
		require.NoError(t, err)
		require.Len(t, plan.Tasks, 1)
		assert.Equal(t, "x", plan.Tasks[0].AgentSlug)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := service.LoadPlan(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}
