package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-task-consumer/internal/task"
)

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.Create(ctx, task.Task{ID: "t1", UserEmail: "u@x.com", UserQuery: "q", CreatedAt: created})
	require.NoError(t, err)
	_, err = store.Create(ctx, task.Task{ID: "t1"})
	require.Error(t, err)
	_, err = store.Create(ctx, task.Task{})
	require.Error(t, err)

	got, err := store.FindByID(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, task.StatusNew, got.Status)
	require.Equal(t, created, got.UpdatedAt)

	finished := created.Add(time.Minute)
	updated, err := store.Update(ctx, "t1", task.Completion{Status: task.StatusCompleted, Result: json.RawMessage(`{"ok":true}`), FinishedAt: finished})
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, updated.Status)
	require.Equal(t, finished, *updated.FinishedAt)

	_, err = store.Update(ctx, "t1", task.Completion{Status: task.StatusError, Error: "late", FinishedAt: finished})
	require.ErrorIs(t, err, task.ErrTransitionRejected)

	_, err = store.Update(ctx, "missing", task.Completion{Status: task.StatusError})
	require.ErrorIs(t, err, task.ErrNotFound)
	_, err = store.FindByID(ctx, "missing")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestTaskStoreFindByIdentity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewTaskStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tk := range []task.Task{
		{ID: "b", UserEmail: "A@B.com", UserQuery: "widgets", CreatedAt: base.Add(time.Hour)},
		{ID: "a", UserEmail: "a@b.com", UserQuery: "widgets", CreatedAt: base},
		{ID: "c", UserEmail: "a@b.com", UserQuery: "Widgets", CreatedAt: base},
	} {
		_, err := store.Create(ctx, tk)
		require.NoError(t, err, i)
	}

	got, err := store.FindByIdentity(ctx, task.Identity{Email: "a@B.COM", Query: "widgets"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "b", got[1].ID)
	require.Equal(t, 3, store.Len())
}
