package storage_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	internal_storage "github.com/ignatij/taskgraph/internal/storage"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*internal_storage.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mockDB.Close()
	})
	return internal_storage.NewPostgresStoreFromDB(sqlx.NewDb(mockDB, "postgres")), mock
}

var taskCols = []string{"id", "workflow_id", "agent_slug", "status", "output", "error_msg", "attempts",
	"created_at", "updated_at", "started_at", "finished_at"}

func TestPostgresStore_CompareAndSwapTaskStatus(t *testing.T) {
	ctx := context.Background()
	swapQuery := regexp.QuoteMeta(
		"UPDATE tasks SET status = $1, updated_at = now(), attempts = $2, started_at = $3 WHERE id = $4 AND status = $5 RETURNING workflow_id")

	t.Run("Won", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(swapQuery).
			WithArgs(models.RunningTaskStatus, 1, sqlmock.AnyArg(), "t1", models.ReadyTaskStatus).
			WillReturnRows(sqlmock.NewRows([]string{"workflow_id"}).AddRow("wf-1"))

		wfID, ok, err := store.CompareAndSwapTaskStatus(ctx, "t1", models.ReadyTaskStatus, models.RunningTaskStatus,
			storage.Fields{storage.FieldStartedAt: time.Now(), storage.FieldAttempts: 1})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "wf-1", wfID)
	})

	t.Run("Lost", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(swapQuery).
			WillReturnRows(sqlmock.NewRows([]string{"workflow_id"}))

		wfID, ok, err := store.CompareAndSwapTaskStatus(ctx, "t1", models.ReadyTaskStatus, models.RunningTaskStatus,
			storage.Fields{storage.FieldStartedAt: time.Now(), storage.FieldAttempts: 1})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, wfID)
	})

	t.Run("NilErrorMessageStoredAsEmpty", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET status = $1, updated_at = now(), error_msg = $2 WHERE id = $3 AND status = $4")).
			WithArgs(models.SkippedTaskStatus, "", "t1", models.PendingTaskStatus).
			WillReturnRows(sqlmock.NewRows([]string{"workflow_id"}).AddRow("wf-1"))

		_, ok, err := store.CompareAndSwapTaskStatus(ctx, "t1", models.PendingTaskStatus, models.SkippedTaskStatus,
			storage.Fields{storage.FieldErrorMsg: nil})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("UnknownFieldNeverReachesDatabase", func(t *testing.T) {
		store, _ := newMockStore(t)
		_, _, err := store.CompareAndSwapTaskStatus(ctx, "t1", models.ReadyTaskStatus, models.RunningTaskStatus,
			storage.Fields{"workflow_id": "other"})
		assert.ErrorIs(t, err, storage.ErrInvalidField)
	})
}

func TestPostgresStore_CompareAndSwapWorkflowStatus(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE workflows SET status = $1, updated_at = now(), completed_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs(models.CancelledWorkflowStatus, sqlmock.AnyArg(), "wf-1", models.RunningWorkflowStatus).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2 AND status = $3")).
		WithArgs(models.RunningWorkflowStatus, "wf-1", models.PendingWorkflowStatus).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.CompareAndSwapWorkflowStatus(ctx, "wf-1", models.RunningWorkflowStatus, models.CancelledWorkflowStatus,
		storage.Fields{storage.FieldCompletedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwapWorkflowStatus(ctx, "wf-1", models.PendingWorkflowStatus, models.RunningWorkflowStatus, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_PromoteTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("CountsChangedRows", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1, updated_at = now() WHERE workflow_id = $2 AND id = ANY($3) AND status = $4")).
			WithArgs(models.ReadyTaskStatus, "wf-1", sqlmock.AnyArg(), models.PendingTaskStatus).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := store.PromoteTasks(ctx, "wf-1", []string{"a", "b", "c"}, models.PendingTaskStatus, models.ReadyTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("NoIDsNoQuery", func(t *testing.T) {
		store, _ := newMockStore(t)
		n, err := store.PromoteTasks(ctx, "wf-1", nil, models.PendingTaskStatus, models.ReadyTaskStatus)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestPostgresStore_UpdateWorkflowProgress(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectExec(`UPDATE workflows SET`).
		WithArgs("wf-1", 3, 2, 1, true, sqlmock.AnyArg(), "PARTIALLY_FAILED", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE workflows SET`).
		WithArgs("missing", 0, 0, 0, true, sqlmock.AnyArg(), "COMPLETED", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	found, err := store.UpdateWorkflowProgress(ctx, "wf-1", models.Progress{
		Status: models.PartiallyFailedWorkflowStatus, TotalTasks: 3, CompletedTasks: 2, FailedTasks: 1,
	}, at)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.UpdateWorkflowProgress(ctx, "missing", models.Progress{Status: models.CompletedWorkflowStatus}, at)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgresStore_TouchWorkflow(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflows SET last_activity_at = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "wf-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE workflows SET last_activity_at = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.TouchWorkflow(ctx, "wf-1", time.Now()))
	assert.ErrorIs(t, store.TouchWorkflow(ctx, "gone", time.Now()), storage.ErrNotFound)
}

func TestPostgresStore_GetWorkflowNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM workflows WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetWorkflow(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresStore_ListTasksAttachesDependencies(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	output := `{"ok":true}`
	mock.ExpectQuery(`FROM tasks WHERE workflow_id = \$1 ORDER BY position`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows(taskCols).
			AddRow("a", "wf-1", "fetch", "COMPLETED", output, "", 1, now, now, now, now).
			AddRow("b", "wf-1", "write", "PENDING", nil, "", 0, now, now, nil, nil))
	mock.ExpectQuery(`FROM dependencies WHERE workflow_id = \$1`).
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id", "depends_on", "workflow_id"}).
			AddRow("b", "a", "wf-1"))

	tasks, err := store.ListTasks(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, []string{}, tasks[0].DependsOnTaskIDs)
	require.NotNil(t, tasks[0].Output)
	assert.Equal(t, output, *tasks[0].Output)
	assert.Equal(t, []string{"a"}, tasks[1].DependsOnTaskIDs)
	assert.Nil(t, tasks[1].Output)
	assert.Nil(t, tasks[1].StartedAt)
}

func TestPostgresStore_CreateWorkflow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	wf := models.Workflow{ID: "wf-1", UserID: "u", Config: "{}", Status: models.PendingWorkflowStatus,
		TotalTasks: 2, LastActivityAt: now, CreatedAt: now, UpdatedAt: now}
	tasks := []models.Task{
		{ID: "a", WorkflowID: "wf-1", AgentSlug: "fetch", Status: models.PendingTaskStatus, DependsOnTaskIDs: []string{}},
		{ID: "b", WorkflowID: "wf-1", AgentSlug: "write", Status: models.PendingTaskStatus, DependsOnTaskIDs: []string{"a"}},
	}

	t.Run("Transactional", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO workflows`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs("a", "wf-1", "fetch", "PENDING", nil, "", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs("b", "wf-1", "write", "PENDING", nil, "", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, nil, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO dependencies`).WithArgs("b", "a", "wf-1").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, store.CreateWorkflow(ctx, wf, tasks))
	})

	t.Run("DuplicateRollsBack", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO workflows`).WillReturnError(&pq.Error{Code: "23505", Detail: "Key (id)=(wf-1) already exists."})
		mock.ExpectRollback()

		err := store.CreateWorkflow(ctx, wf, tasks)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})
}
