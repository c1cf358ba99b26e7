package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func (testLogger) Debugf(format string, args ...interface{}) {}
func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Errorf(format string, args ...interface{}) {}

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...service.Option) (*service.Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return service.NewEngine(store, testLogger{}, opts...), store
}

func task(id string, status models.TaskStatus, deps ...string) models.Task {
	if deps == nil {
		deps = []string{}
	}
	return models.Task{ID: id, AgentSlug: "agent-" + id, Status: status, DependsOnTaskIDs: deps}
}

func withOutput(t models.Task, output string) models.Task {
	t.Output = &output
	return t
}

func seedWorkflow(t *testing.T, store storage.Store, id string, status models.WorkflowStatus, tasks ...models.Task) models.Workflow {
	t.Helper()
	wf := models.Workflow{
		ID:             id,
		UserID:         "user-1",
		Config:         `{"locale":"en-GB"}`,
		Status:         status,
		TotalTasks:     len(tasks),
		LastActivityAt: fixedNow.Add(-time.Hour),
		CreatedAt:      fixedNow.Add(-time.Hour),
		UpdatedAt:      fixedNow.Add(-time.Hour),
	}
	for i := range tasks {
		tasks[i].WorkflowID = id
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), wf, tasks))
	return wf
}

func taskStatus(t *testing.T, store storage.Store, id string) models.TaskStatus {
	t.Helper()
	tk, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tk.Status
}

func TestTransitionTask(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleWinnerUnderContention", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.PendingTaskStatus))

		const callers = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				ok, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "t1"))
	})

	t.Run("StaleExpectedStatusReturnsFalse", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.ReadyTaskStatus))

		ok, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "t1"))
	})

	t.Run("MissingTaskReturnsFalse", func(t *testing.T) {
		engine, _ := newEngine(t)
		ok, err := engine.TransitionTask(ctx, "nope", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("BackwardTransitionRejected", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.CompletedTaskStatus))

		ok, err := engine.TransitionTask(ctx, "t1", models.CompletedTaskStatus, models.PendingTaskStatus, nil)
		assert.ErrorIs(t, err, service.ErrInvalidTransition)
		assert.False(t, ok)
		assert.Equal(t, models.CompletedTaskStatus, taskStatus(t, store, "t1"))
	})

	t.Run("UnknownFieldRejected", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.PendingTaskStatus))

		_, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, storage.Fields{"status": "COMPLETED"})
		assert.ErrorIs(t, err, storage.ErrInvalidField)
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "t1"))
	})

	t.Run("ExtraFieldsWrittenWithStatus", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.RunningTaskStatus))

		ok, err := engine.TransitionTask(ctx, "t1", models.RunningTaskStatus, models.CompletedTaskStatus, storage.Fields{
			storage.FieldOutput:     models.Payload(`{"score":7}`),
			storage.FieldFinishedAt: fixedNow,
			storage.FieldAttempts:   2,
		})
		require.NoError(t, err)
		require.True(t, ok)

		tk, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, tk.Output)
		assert.JSONEq(t, `{"score":7}`, *tk.Output)
		assert.Equal(t, 2, tk.Attempts)
		require.NotNil(t, tk.FinishedAt)
		assert.True(t, tk.FinishedAt.Equal(fixedNow))
	})

	t.Run("SuccessBumpsLastActivity", func(t *testing.T) {
		engine, store := newEngine(t, service.WithClock(func() time.Time { return fixedNow }))
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.PendingTaskStatus))

		ok, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			wf, err := store.GetWorkflow(ctx, "wf")
			return err == nil && wf.LastActivityAt.Equal(fixedNow)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("HeartbeatFailureDoesNotFailTransition", func(t *testing.T) {
		hbErrs := make(chan error, 1)
		engine, store := newEngine(t, service.WithHeartbeatErrors(hbErrs))
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.PendingTaskStatus))
		store.FailTouches(errors.New("connection reset"))

		ok, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		assert.NoError(t, err)
		assert.True(t, ok)

		select {
		case hbErr := <-hbErrs:
			assert.Contains(t, hbErr.Error(), "connection reset")
		case <-time.After(time.Second):
			t.Fatal("expected heartbeat error to be reported")
		}
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "t1"))
	})

	t.Run("WaitHeartbeats", func(t *testing.T) {
		store := &slowTouchStore{MemoryStore: storage.NewMemoryStore(), release: make(chan struct{})}
		engine := service.NewEngine(store, testLogger{}, service.WithClock(func() time.Time { return fixedNow }))
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, task("t1", models.PendingTaskStatus))

		ok, err := engine.TransitionTask(ctx, "t1", models.PendingTaskStatus, models.ReadyTaskStatus, nil)
		require.NoError(t, err)
		require.True(t, ok)

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, engine.WaitHeartbeats(short), context.DeadlineExceeded)

		close(store.release)
		require.NoError(t, engine.WaitHeartbeats(ctx))
		wf, err := store.GetWorkflow(ctx, "wf")
		require.NoError(t, err)
		assert.True(t, wf.LastActivityAt.Equal(fixedNow))
	})
}

// slowTouchStore holds every heartbeat until release is closed.
type slowTouchStore struct {
	*storage.MemoryStore
	release chan struct{}
}

func (s *slowTouchStore) TouchWorkflow(ctx context.Context, id string, at time.Time) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.TouchWorkflow(ctx, id, at)
}

func TestTransitionWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, store := newEngine(t)
	seedWorkflow(t, store, "wf", models.PendingWorkflowStatus)

	ok, err := engine.TransitionWorkflow(ctx, "wf", models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.TransitionWorkflow(ctx, "wf", models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must lose")

	_, err = engine.TransitionWorkflow(ctx, "wf", models.RunningWorkflowStatus, models.PendingWorkflowStatus, nil)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	ok, err = engine.TransitionWorkflow(ctx, "wf", models.RunningWorkflowStatus, models.CompletedWorkflowStatus,
		storage.Fields{storage.FieldCompletedAt: fixedNow})
	require.NoError(t, err)
	assert.True(t, ok)

	wf, err := store.GetWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	require.NotNil(t, wf.CompletedAt)
	assert.True(t, wf.CompletedAt.Equal(fixedNow))
}

func TestMarkTasksReady(t *testing.T) {
	ctx := context.Background()

	t.Run("PromotesOnlySatisfiedTasks", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus,
			task("fetch", models.PendingTaskStatus),
			task("summarise", models.PendingTaskStatus, "fetch"),
			task("images", models.PendingTaskStatus),
			task("orphan", models.PendingTaskStatus, "does-not-exist"),
		)

		n, err := engine.MarkTasksReady(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "fetch"))
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "images"))
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "summarise"))
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "orphan"))

		n, err = engine.MarkTasksReady(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 0, n, "second call without completions must be a no-op")

		for _, step := range []models.TaskStatus{models.RunningTaskStatus, models.CompletedTaskStatus} {
			from := taskStatus(t, store, "fetch")
			ok, err := engine.TransitionTask(ctx, "fetch", from, step, nil)
			require.NoError(t, err)
			require.True(t, ok)
		}

		n, err = engine.MarkTasksReady(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, models.ReadyTaskStatus, taskStatus(t, store, "summarise"))
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "orphan"))
	})

	t.Run("PendingDependencyKeepsDependentPending", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus,
			task("a", models.PendingTaskStatus, "b"),
			task("b", models.PendingTaskStatus, "c"),
			task("c", models.ReadyTaskStatus),
		)
		n, err := engine.MarkTasksReady(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "a"))
		assert.Equal(t, models.PendingTaskStatus, taskStatus(t, store, "b"))
	})

	t.Run("ConcurrentCallersPromoteEachTaskOnce", func(t *testing.T) {
		engine, store := newEngine(t)
		var tasks []models.Task
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			tasks = append(tasks, task(id, models.PendingTaskStatus))
		}
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, tasks...)

		var total atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := engine.MarkTasksReady(ctx, "wf")
				assert.NoError(t, err)
				total.Add(int32(n))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(6), total.Load())
	})

	t.Run("UnknownWorkflowPromotesNothing", func(t *testing.T) {
		engine, _ := newEngine(t)
		n, err := engine.MarkTasksReady(ctx, "missing")
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRefreshWorkflowProgress(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		statuses []models.TaskStatus
		want     models.Progress
	}{
		{
			name:     "PartiallyFailed",
			statuses: []models.TaskStatus{models.CompletedTaskStatus, models.CompletedTaskStatus, models.FailedTaskStatus},
			want:     models.Progress{Status: models.PartiallyFailedWorkflowStatus, TotalTasks: 3, CompletedTasks: 2, FailedTasks: 1},
		},
		{
			name:     "AllFailed",
			statuses: []models.TaskStatus{models.FailedTaskStatus, models.FailedTaskStatus},
			want:     models.Progress{Status: models.FailedWorkflowStatus, TotalTasks: 2, CompletedTasks: 0, FailedTasks: 2},
		},
		{
			name:     "AllCompleted",
			statuses: []models.TaskStatus{models.CompletedTaskStatus, models.CompletedTaskStatus},
			want:     models.Progress{Status: models.CompletedWorkflowStatus, TotalTasks: 2, CompletedTasks: 2, FailedTasks: 0},
		},
		{
			name:     "DeadLetterCountsAsFailure",
			statuses: []models.TaskStatus{models.CompletedTaskStatus, models.DeadLetterTaskStatus, models.SkippedTaskStatus},
			want:     models.Progress{Status: models.PartiallyFailedWorkflowStatus, TotalTasks: 3, CompletedTasks: 1, FailedTasks: 1, SkippedTasks: 1},
		},
		{
			name:     "FailedAndCancelledWithoutCompletions",
			statuses: []models.TaskStatus{models.FailedTaskStatus, models.CancelledTaskStatus},
			want:     models.Progress{Status: models.FailedWorkflowStatus, TotalTasks: 2, FailedTasks: 1, CancelledTasks: 1},
		},
		{
			name:     "NoTasks",
			statuses: nil,
			want:     models.Progress{Status: models.CompletedWorkflowStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := newEngine(t, service.WithClock(func() time.Time { return fixedNow }))
			var tasks []models.Task
			for i, st := range tt.statuses {
				tasks = append(tasks, task(string(rune('a'+i)), st))
			}
			seedWorkflow(t, store, "wf", models.RunningWorkflowStatus, tasks...)

			got, err := engine.RefreshWorkflowProgress(ctx, "wf")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := engine.RefreshWorkflowProgress(ctx, "wf")
			require.NoError(t, err)
			assert.Equal(t, got, again, "refresh must be idempotent")

			wf, err := store.GetWorkflow(ctx, "wf")
			require.NoError(t, err)
			assert.Equal(t, tt.want.Status, wf.Status)
			assert.Equal(t, tt.want.TotalTasks, wf.TotalTasks)
			assert.Equal(t, tt.want.CompletedTasks, wf.CompletedTasks)
			assert.Equal(t, tt.want.FailedTasks, wf.FailedTasks)
			require.NotNil(t, wf.CompletedAt)
			assert.True(t, wf.CompletedAt.Equal(fixedNow))
		})
	}

	t.Run("InProgressLeavesStoredStatusAlone", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.PendingWorkflowStatus,
			task("a", models.CompletedTaskStatus),
			task("b", models.PendingTaskStatus),
		)

		got, err := engine.RefreshWorkflowProgress(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, models.RunningWorkflowStatus, got.Status)
		assert.Equal(t, 1, got.CompletedTasks)

		wf, err := store.GetWorkflow(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, models.PendingWorkflowStatus, wf.Status)
		assert.Equal(t, 2, wf.TotalTasks)
		assert.Equal(t, 1, wf.CompletedTasks)
		assert.Nil(t, wf.CompletedAt)
	})

	t.Run("CancelledWorkflowKeepsItsStatus", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.CancelledWorkflowStatus,
			task("a", models.CompletedTaskStatus),
			task("b", models.CancelledTaskStatus),
		)
		got, err := engine.RefreshWorkflowProgress(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedWorkflowStatus, got.Status)

		wf, err := store.GetWorkflow(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, models.CancelledWorkflowStatus, wf.Status)
		assert.Equal(t, 1, wf.CompletedTasks)
	})

	t.Run("UnknownWorkflowIsNotAnError", func(t *testing.T) {
		engine, _ := newEngine(t)
		got, err := engine.RefreshWorkflowProgress(ctx, "missing")
		assert.NoError(t, err)
		assert.Equal(t, 0, got.TotalTasks)
	})
}

func TestBuildContext(t *testing.T) {
	ctx := context.Background()

	t.Run("OnlyCompletedOutputs", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus,
			withOutput(task("done", models.CompletedTaskStatus), `{"x":1}`),
			task("waiting", models.PendingTaskStatus, "done"),
		)

		wctx, err := engine.BuildContext(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, "wf", wctx.WorkflowID)
		assert.Equal(t, "user-1", wctx.UserID)
		assert.Equal(t, map[string]any{"agent-done": map[string]any{"x": float64(1)}}, wctx.Outputs)
		_, ok := wctx.Output("agent-waiting")
		assert.False(t, ok)
		assert.Equal(t, []string{"done"}, wctx.Completed)
		assert.Equal(t, map[string]any{"locale": "en-GB"}, wctx.Config)
	})

	t.Run("MalformedOutputOmitted", func(t *testing.T) {
		engine, store := newEngine(t)
		seedWorkflow(t, store, "wf", models.RunningWorkflowStatus,
			withOutput(task("good", models.CompletedTaskStatus), `["a","b"]`),
			withOutput(task("bad", models.CompletedTaskStatus), `{"x":`),
			task("empty", models.CompletedTaskStatus),
		)

		wctx, err := engine.BuildContext(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"agent-good": []any{"a", "b"}}, wctx.Outputs)
		assert.Len(t, wctx.Completed, 3)
	})

	t.Run("MalformedConfigBecomesEmpty", func(t *testing.T) {
		engine, store := newEngine(t)
		wf := models.Workflow{ID: "wf", UserID: "user-1", Config: "not json", Status: models.RunningWorkflowStatus}
		require.NoError(t, store.CreateWorkflow(ctx, wf, nil))

		wctx, err := engine.BuildContext(ctx, "wf")
		require.NoError(t, err)
		assert.NotNil(t, wctx.Config)
		assert.Empty(t, wctx.Config)
	})

	t.Run("UnknownWorkflowIsNotFound", func(t *testing.T) {
		engine, _ := newEngine(t)
		wctx, err := engine.BuildContext(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Nil(t, wctx)
	})
}
