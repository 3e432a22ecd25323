package task

import (
	"context"
	"time"
)

// Repository persists tasks. Implementations return ErrNotFound when a lookup
// misses and wrap connectivity failures so they stay distinct from a miss.
type Repository interface {
	FindByID(ctx context.Context, id string) (Task, error)
	// FindByIdentity matches on normalized email and exact query text.
	FindByIdentity(ctx context.Context, identity Identity) ([]Task, error)
	Create(ctx context.Context, t Task) (Task, error)
	// Update applies a terminal completion. It returns ErrTransitionRejected if
	// the stored task is no longer NEW.
	Update(ctx context.Context, id string, completion Completion) (Task, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
