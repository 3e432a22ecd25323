package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/crawl-task-consumer/internal/task"
)

// TaskStore provides an in-memory task repository for development/testing.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]task.Task)}
}

// FindByID fetches a task by ID.
func (s *TaskStore) FindByID(_ context.Context, id string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return clone(t), nil
}

// FindByIdentity returns every task with the same normalized email and exact
// query, oldest first.
func (s *TaskStore) FindByIdentity(_ context.Context, identity task.Identity) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []task.Task
	for _, t := range s.tasks {
		if identity.Matches(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Create stores a new task.
func (s *TaskStore) Create(_ context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		return task.Task{}, errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return task.Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = task.StatusNew
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	s.tasks[t.ID] = clone(t)
	return clone(t), nil
}

// Update applies a terminal completion to a NEW task.
func (s *TaskStore) Update(_ context.Context, id string, c task.Completion) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	if !t.Status.CanTransitionTo(c.Status) {
		return task.Task{}, task.ErrTransitionRejected
	}
	finished := c.FinishedAt
	t.Status = c.Status
	t.Result = append([]byte(nil), c.Result...)
	t.Error = c.Error
	t.FinishedAt = &finished
	t.UpdatedAt = finished
	s.tasks[id] = t
	return clone(t), nil
}

// Len reports how many tasks are stored.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func clone(t task.Task) task.Task {
	if t.Result != nil {
		t.Result = append([]byte(nil), t.Result...)
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		t.FinishedAt = &f
	}
	return t
}
