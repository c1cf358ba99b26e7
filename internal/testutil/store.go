package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Graph is a seeded workflow: Tasks[1] depends on Tasks[0], Tasks[2] is independent.
type Graph struct {
	Workflow models.Workflow
	Tasks    []models.Task
}

// SeedGraph stores a fresh three-task workflow with unique ids.
func SeedGraph(t *testing.T, store storage.Store) Graph {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	reportID := "report-" + uuid.NewString()[:8]
	wf := models.Workflow{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		ReportID:       &reportID,
		Config:         `{"locale":"en-GB"}`,
		Status:         models.PendingWorkflowStatus,
		TotalTasks:     3,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	tasks := []models.Task{
		{ID: a, WorkflowID: wf.ID, AgentSlug: "fetch", Status: models.PendingTaskStatus, CreatedAt: now, UpdatedAt: now, DependsOnTaskIDs: []string{}},
		{ID: b, WorkflowID: wf.ID, AgentSlug: "write", Status: models.PendingTaskStatus, CreatedAt: now.Add(time.Millisecond), UpdatedAt: now, DependsOnTaskIDs: []string{a}},
		{ID: c, WorkflowID: wf.ID, AgentSlug: "images", Status: models.PendingTaskStatus, CreatedAt: now.Add(2 * time.Millisecond), UpdatedAt: now, DependsOnTaskIDs: []string{}},
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf, tasks))
	return Graph{Workflow: wf, Tasks: tasks}
}

// RunStoreContract checks the behaviour every storage.Store implementation must share.
// newStore is called once per subtest.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("CreateAndRead", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)

		wf, err := store.GetWorkflow(ctx, g.Workflow.ID)
		require.NoError(t, err)
		assert.Equal(t, g.Workflow.UserID, wf.UserID)
		require.NotNil(t, wf.ReportID)
		assert.Equal(t, *g.Workflow.ReportID, *wf.ReportID)
		assert.Nil(t, wf.InspectionID)
		assert.JSONEq(t, g.Workflow.Config, wf.Config)
		assert.Equal(t, models.PendingWorkflowStatus, wf.Status)
		assert.Equal(t, 3, wf.TotalTasks)
		assert.Nil(t, wf.CompletedAt)

		tasks, err := store.ListTasks(ctx, g.Workflow.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		for i := range tasks {
			assert.Equal(t, g.Tasks[i].ID, tasks[i].ID)
			assert.Equal(t, g.Tasks[i].AgentSlug, tasks[i].AgentSlug)
			assert.Equal(t, g.Tasks[i].DependsOnTaskIDs, tasks[i].DependsOnTaskIDs)
			assert.Nil(t, tasks[i].Output)
		}

		task, err := store.GetTask(ctx, g.Tasks[1].ID)
		require.NoError(t, err)
		assert.Equal(t, g.Workflow.ID, task.WorkflowID)
		assert.Equal(t, []string{g.Tasks[0].ID}, task.DependsOnTaskIDs)
	})

	t.Run("ListTasksKeepsPlanOrder", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC().Truncate(time.Millisecond)
		wf := models.Workflow{ID: uuid.NewString(), UserID: "user-1", Config: "{}", Status: models.PendingWorkflowStatus,
			TotalTasks: 3, LastActivityAt: now, CreatedAt: now, UpdatedAt: now}
		// same created_at everywhere and ids sorting against plan order
		prefix := uuid.NewString()[:8]
		ids := []string{prefix + "-z", prefix + "-m", prefix + "-a"}
		tasks := make([]models.Task, 0, len(ids))
		for _, id := range ids {
			tasks = append(tasks, models.Task{ID: id, WorkflowID: wf.ID, AgentSlug: "summary", Status: models.PendingTaskStatus,
				CreatedAt: now, UpdatedAt: now, DependsOnTaskIDs: []string{}})
		}
		require.NoError(t, store.CreateWorkflow(ctx, wf, tasks))

		got, err := store.ListTasks(ctx, wf.ID)
		require.NoError(t, err)
		gotIDs := make([]string, 0, len(got))
		for _, tk := range got {
			gotIDs = append(gotIDs, tk.ID)
		}
		assert.Equal(t, ids, gotIDs)
	})

	t.Run("Duplicate", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		assert.ErrorIs(t, store.CreateWorkflow(ctx, g.Workflow, nil), storage.ErrAlreadyExists)
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetWorkflow(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetTask(ctx, uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, store.TouchWorkflow(ctx, uuid.NewString(), time.Now()), storage.ErrNotFound)

		tasks, err := store.ListTasks(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, tasks)

		_, ok, err := store.CompareAndSwapTaskStatus(ctx, uuid.NewString(), models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := store.UpdateWorkflowProgress(ctx, uuid.NewString(), models.Progress{Status: models.CompletedWorkflowStatus}, time.Now())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("CompareAndSwapTaskStatus", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		id := g.Tasks[0].ID

		wfID, ok, err := store.CompareAndSwapTaskStatus(ctx, id, models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, g.Workflow.ID, wfID)

		_, ok, err = store.CompareAndSwapTaskStatus(ctx, id, models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		require.NoError(t, err)
		assert.False(t, ok, "stale expected status must not match")

		started := time.Now().UTC().Truncate(time.Millisecond)
		_, ok, err = store.CompareAndSwapTaskStatus(ctx, id, models.ReadyTaskStatus, models.RunningTaskStatus,
			storage.Fields{storage.FieldStartedAt: started, storage.FieldAttempts: 1})
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = store.CompareAndSwapTaskStatus(ctx, id, models.RunningTaskStatus, models.FailedTaskStatus,
			storage.Fields{storage.FieldErrorMsg: "boom", storage.FieldFinishedAt: started.Add(time.Second)})
		require.NoError(t, err)
		require.True(t, ok)

		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)
		assert.Equal(t, "boom", task.ErrorMsg)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.StartedAt)
		assert.True(t, task.StartedAt.Equal(started))
		require.NotNil(t, task.FinishedAt)
		assert.True(t, task.FinishedAt.Equal(started.Add(time.Second)))
	})

	t.Run("CompareAndSwapWritesOutput", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		id := g.Tasks[2].ID
		_, ok, err := store.CompareAndSwapTaskStatus(ctx, id, models.PendingTaskStatus, models.CompletedTaskStatus,
			storage.Fields{storage.FieldOutput: models.Payload(`{"images":["a.jpg"]}`)})
		require.NoError(t, err)
		require.True(t, ok)

		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, task.Output)
		assert.JSONEq(t, `{"images":["a.jpg"]}`, *task.Output)
	})

	t.Run("CompareAndSwapRejectsUnknownField", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		_, _, err := store.CompareAndSwapTaskStatus(ctx, g.Tasks[0].ID, models.PendingTaskStatus, models.ReadyTaskStatus,
			storage.Fields{"agent_slug": "other"})
		assert.ErrorIs(t, err, storage.ErrInvalidField)
		_, err = store.CompareAndSwapWorkflowStatus(ctx, g.Workflow.ID, models.PendingWorkflowStatus, models.RunningWorkflowStatus,
			storage.Fields{"total_tasks": 9})
		assert.ErrorIs(t, err, storage.ErrInvalidField)

		task, err := store.GetTask(ctx, g.Tasks[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.PendingTaskStatus, task.Status)
	})

	t.Run("ConcurrentSwapSingleWinner", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.CompareAndSwapTaskStatus(ctx, g.Tasks[0].ID, models.PendingTaskStatus, models.ReadyTaskStatus, nil)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("PromoteTasks", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		_, _, err := store.CompareAndSwapTaskStatus(ctx, g.Tasks[2].ID, models.PendingTaskStatus, models.CancelledTaskStatus, nil)
		require.NoError(t, err)

		n, err := store.PromoteTasks(ctx, g.Workflow.ID, []string{g.Tasks[0].ID, g.Tasks[2].ID, uuid.NewString()},
			models.PendingTaskStatus, models.ReadyTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = store.PromoteTasks(ctx, uuid.NewString(), []string{g.Tasks[1].ID}, models.PendingTaskStatus, models.ReadyTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "tasks of another workflow are not touched")

		n, err = store.PromoteTasks(ctx, g.Workflow.ID, nil, models.PendingTaskStatus, models.ReadyTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("WorkflowStatusAndProgress", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		id := g.Workflow.ID
		at := time.Now().UTC().Truncate(time.Millisecond)

		ok, err := store.CompareAndSwapWorkflowStatus(ctx, id, models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.CompareAndSwapWorkflowStatus(ctx, id, models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := store.UpdateWorkflowProgress(ctx, id, models.Progress{
			Status: models.RunningWorkflowStatus, TotalTasks: 3, CompletedTasks: 1,
		}, at)
		require.NoError(t, err)
		assert.True(t, found)
		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.RunningWorkflowStatus, wf.Status)
		assert.Equal(t, 1, wf.CompletedTasks)
		assert.Nil(t, wf.CompletedAt)

		_, err = store.UpdateWorkflowProgress(ctx, id, models.Progress{
			Status: models.PartiallyFailedWorkflowStatus, TotalTasks: 3, CompletedTasks: 2, FailedTasks: 1,
		}, at)
		require.NoError(t, err)
		wf, err = store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.PartiallyFailedWorkflowStatus, wf.Status)
		assert.Equal(t, 2, wf.CompletedTasks)
		assert.Equal(t, 1, wf.FailedTasks)
		require.NotNil(t, wf.CompletedAt)
		assert.True(t, wf.CompletedAt.Equal(at))

		// a later terminal rollup only refreshes the counters
		_, err = store.UpdateWorkflowProgress(ctx, id, models.Progress{
			Status: models.CompletedWorkflowStatus, TotalTasks: 3, CompletedTasks: 3,
		}, at.Add(time.Hour))
		require.NoError(t, err)
		wf, err = store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.PartiallyFailedWorkflowStatus, wf.Status)
		assert.Equal(t, 3, wf.CompletedTasks)
		assert.True(t, wf.CompletedAt.Equal(at))

		active, err := store.ListActiveWorkflows(ctx)
		require.NoError(t, err)
		assert.NotContains(t, workflowIDs(active), id)
	})

	t.Run("ActiveAndStale", func(t *testing.T) {
		store := newStore(t)
		g := SeedGraph(t, store)
		id := g.Workflow.ID
		require.NoError(t, store.TouchWorkflow(ctx, id, time.Now().Add(-2*time.Hour)))

		active, err := store.ListActiveWorkflows(ctx)
		require.NoError(t, err)
		assert.Contains(t, workflowIDs(active), id)

		stale, err := store.ListStaleWorkflows(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Contains(t, workflowIDs(stale), id)

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.TouchWorkflow(ctx, id, now))
		wf, err := store.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.True(t, wf.LastActivityAt.Equal(now))

		stale, err = store.ListStaleWorkflows(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, workflowIDs(stale), id)

		ok, err := store.CompareAndSwapWorkflowStatus(ctx, id, models.PendingWorkflowStatus, models.CancelledWorkflowStatus,
			storage.Fields{storage.FieldCompletedAt: now})
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.TouchWorkflow(ctx, id, time.Now().Add(-2*time.Hour)))

		stale, err = store.ListStaleWorkflows(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, workflowIDs(stale), id, "finished workflows are never stale")
		active, err = store.ListActiveWorkflows(ctx)
		require.NoError(t, err)
		assert.NotContains(t, workflowIDs(active), id)
	})
}

func workflowIDs(workflows []models.Workflow) []string {
	ids := make([]string, 0, len(workflows))
	for _, wf := range workflows {
		ids = append(ids, wf.ID)
	}
	return ids
}
