package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-task-consumer/internal/task"
)

var columns = []string{
	"id", "user_email", "user_query", "original_url", "status", "result", "error",
	"received_at", "created_at", "updated_at", "finished_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *TaskStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func newRow(id, status string, result []byte, errText *string, finished *time.Time) []any {
	ts := time.Unix(1700000000, 0).UTC()
	return []any{id, "u@x.com", "find widgets", "https://x.com", status, result, errText, ts, ts, ts, finished}
}

func TestNewTaskStoreWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewTaskStoreWithPool(nil)
	require.Error(t, err)
}

func TestFindByID(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_id($1)")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(newRow("t1", "NEW", nil, (*string)(nil), (*time.Time)(nil))...))

	got, err := store.FindByID(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, task.StatusNew, got.Status)
	require.Nil(t, got.FinishedAt)
	require.Empty(t, got.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_id($1)")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, task.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDConnectionError(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	down := errors.New("connection reset")
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_id($1)")).
		WithArgs("t1").
		WillReturnError(down)

	_, err := store.FindByID(context.Background(), "t1")
	require.ErrorIs(t, err, down)
	require.NotErrorIs(t, err, task.ErrNotFound)
}

func TestFindByIdentityNormalizesEmail(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_identity($1, $2)")).
		WithArgs("u@x.com", "find widgets").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(newRow("t1", "NEW", nil, (*string)(nil), (*time.Time)(nil))...).
			AddRow(newRow("t2", "COMPLETED", []byte(`{"ok":true}`), (*string)(nil), (*time.Time)(nil))...))

	got, err := store.FindByIdentity(context.Background(), task.Identity{Email: " U@X.com", Query: "find widgets"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.JSONEq(t, `{"ok":true}`, string(got[1].Result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	in := task.Task{
		ID:          "t1",
		UserEmail:   "u@x.com",
		UserQuery:   "find widgets",
		OriginalURL: "https://x.com",
		ReceivedAt:  now,
		CreatedAt:   now,
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_create(")).
		WithArgs(in.ID, in.UserEmail, in.UserQuery, in.OriginalURL, "NEW", now, now).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(newRow("t1", "NEW", nil, (*string)(nil), (*time.Time)(nil))...))

	got, err := store.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, task.StatusNew, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAppliesCompletion(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	finished := time.Unix(1700000060, 0).UTC()
	errText := "timeout"
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_update_status(")).
		WithArgs("t1", "ERROR", nil, &errText, finished).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(newRow("t1", "ERROR", nil, &errText, &finished)...))

	got, err := store.Update(context.Background(), "t1", task.Completion{Status: task.StatusError, Error: errText, FinishedAt: finished})
	require.NoError(t, err)
	require.Equal(t, task.StatusError, got.Status)
	require.Equal(t, "timeout", got.Error)
	require.Equal(t, finished, *got.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRejectedWhenNotNew(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	finished := time.Unix(1700000060, 0).UTC()
	result := json.RawMessage(`{"pages":1}`)
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_update_status(")).
		WithArgs("t1", "COMPLETED", []byte(result), (*string)(nil), finished).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_id($1)")).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(newRow("t1", "COMPLETED", []byte(`{}`), (*string)(nil), &finished)...))

	_, err := store.Update(context.Background(), "t1", task.Completion{Status: task.StatusCompleted, Result: result, FinishedAt: finished})
	require.ErrorIs(t, err, task.ErrTransitionRejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingTask(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	finished := time.Unix(1700000060, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_update_status(")).
		WithArgs("nope", "ERROR", nil, pgxmock.AnyArg(), finished).
		WillReturnRows(pgxmock.NewRows(columns))
	mock.ExpectQuery(regexp.QuoteMeta("FROM crawl_task_find_by_id($1)")).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.Update(context.Background(), "nope", task.Completion{Status: task.StatusError, Error: "x", FinishedAt: finished})
	require.ErrorIs(t, err, task.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewTaskStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
