package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/taskgraph/internal/testutil"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testutil.RunStoreContract(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestMemoryStore_FailTouches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := testutil.SeedGraph(t, store)

	store.FailTouches(errors.New("down"))
	assert.EqualError(t, store.TouchWorkflow(ctx, g.Workflow.ID, time.Now()), "down")

	store.FailTouches(nil)
	assert.NoError(t, store.TouchWorkflow(ctx, g.Workflow.ID, time.Now()))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := testutil.SeedGraph(t, store)

	tasks, err := store.ListTasks(ctx, g.Workflow.ID)
	require.NoError(t, err)
	tasks[1].DependsOnTaskIDs[0] = "mutated"

	task, err := store.GetTask(ctx, g.Tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{g.Tasks[0].ID}, task.DependsOnTaskIDs)
}

func TestFields_Validate(t *testing.T) {
	assert.NoError(t, storage.Fields(nil).Validate(storage.TaskFields))
	assert.NoError(t, storage.Fields{storage.FieldOutput: "x", storage.FieldAttempts: 1}.Validate(storage.TaskFields))
	assert.ErrorIs(t, storage.Fields{storage.FieldOutput: "x"}.Validate(storage.WorkflowFields), storage.ErrInvalidField)
	assert.ErrorIs(t, storage.Fields{"status": models.CompletedTaskStatus}.Validate(storage.TaskFields), storage.ErrInvalidField)
}

func TestTextValue(t *testing.T) {
	s := "hello"
	tests := []struct {
		name string
		in   any
		want *string
	}{
		{"Nil", nil, nil},
		{"String", "hello", &s},
		{"Pointer", &s, &s},
		{"Bytes", []byte("hello"), &s},
		{"Payload", models.Payload("hello"), &s},
		{"NilPayload", models.Payload(nil), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := storage.TextValue(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := storage.TextValue(42)
	assert.Error(t, err)
}
