// Package postgres provides the Postgres-backed task repository. All reads and
// writes go through stored procedures owned by the schema.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-task-consumer/internal/task"
)

const taskColumns = `id, user_email, user_query, original_url, status, result, error,
	received_at, created_at, updated_at, finished_at`

var (
	findByIDSQL       = `SELECT ` + taskColumns + ` FROM crawl_task_find_by_id($1)`
	findByIdentitySQL = `SELECT ` + taskColumns + ` FROM crawl_task_find_by_identity($1, $2)`
	createSQL         = `SELECT ` + taskColumns + ` FROM crawl_task_create($1, $2, $3, $4, $5, $6, $7)`
	updateStatusSQL   = `SELECT ` + taskColumns + ` FROM crawl_task_update_status($1, $2, $3, $4, $5)`
)

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// TaskStore implements task.Repository on Postgres.
type TaskStore struct {
	pool querier
}

// NewTaskStore creates a TaskStore with its own connection pool.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &TaskStore{pool: pool}, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool querier) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TaskStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *TaskStore) Close() {
	s.pool.Close()
}

// Ping verifies connectivity for readiness checks.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// FindByID retrieves a task by its ID.
func (s *TaskStore) FindByID(ctx context.Context, id string) (task.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, findByIDSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrNotFound
		}
		return task.Task{}, fmt.Errorf("failed to find task: %w", err)
	}
	return t, nil
}

// FindByIdentity lists tasks sharing the normalized email and exact query.
func (s *TaskStore) FindByIdentity(ctx context.Context, identity task.Identity) ([]task.Task, error) {
	identity = identity.Normalized()
	rows, err := s.pool.Query(ctx, findByIdentitySQL, identity.Email, identity.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to find tasks by identity: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// Create inserts a NEW task.
func (s *TaskStore) Create(ctx context.Context, t task.Task) (task.Task, error) {
	status := t.Status
	if status == "" {
		status = task.StatusNew
	}
	created, err := scanTask(s.pool.QueryRow(
		ctx,
		createSQL,
		t.ID,
		t.UserEmail,
		t.UserQuery,
		t.OriginalURL,
		string(status),
		t.ReceivedAt,
		t.CreatedAt,
	))
	if err != nil {
		return task.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return created, nil
}

// Update applies a terminal status. The procedure returns no row when the task
// is missing or no longer NEW; a follow-up lookup tells the two apart.
func (s *TaskStore) Update(ctx context.Context, id string, c task.Completion) (task.Task, error) {
	var result any
	if len(c.Result) > 0 {
		result = []byte(c.Result)
	}
	var errText *string
	if c.Error != "" {
		errText = &c.Error
	}
	updated, err := scanTask(s.pool.QueryRow(ctx, updateStatusSQL, id, string(c.Status), result, errText, c.FinishedAt))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, fmt.Errorf("failed to update task status: %w", err)
	}
	if _, err := s.FindByID(ctx, id); err != nil {
		return task.Task{}, err
	}
	return task.Task{}, task.ErrTransitionRejected
}

func scanTask(row pgx.Row) (task.Task, error) {
	var (
		t       task.Task
		status  string
		result  []byte
		errText *string
	)
	err := row.Scan(
		&t.ID,
		&t.UserEmail,
		&t.UserQuery,
		&t.OriginalURL,
		&status,
		&result,
		&errText,
		&t.ReceivedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.FinishedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	if len(result) > 0 {
		t.Result = result
	}
	if errText != nil {
		t.Error = *errText
	}
	return t, nil
}
