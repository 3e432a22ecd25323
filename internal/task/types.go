// Package task defines the crawl task model, its state machine, and the ports
// the ingestion pipeline depends on.
package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Status represents the lifecycle state of a crawl task.
type Status string

// Task status values persisted in the task store.
const (
	StatusNew       Status = "NEW"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is legal.
// Only NEW -> COMPLETED and NEW -> ERROR exist.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusNew && next.IsTerminal()
}

// Task is one crawl job as persisted by the Repository.
type Task struct {
	ID          string          `json:"id"`
	UserEmail   string          `json:"user_email"`
	UserQuery   string          `json:"user_query"`
	OriginalURL string          `json:"original_url"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Completion carries the terminal payload applied by Repository.Update.
// Exactly one of Result or Error is set, matching Status.
type Completion struct {
	Status     Status
	Result     json.RawMessage
	Error      string
	FinishedAt time.Time
}

// Identity is the user-facing tuple used to find candidate tasks when a
// claimed id does not resolve.
type Identity struct {
	Email string
	Query string
}

// NormalizeEmail lowercases and trims an address so identity matching is
// case-insensitive. Query text is never normalized.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalized returns the identity with its email normalized.
func (i Identity) Normalized() Identity {
	return Identity{Email: NormalizeEmail(i.Email), Query: i.Query}
}

// Matches reports whether t belongs to the identity (case-insensitive email,
// byte-exact query).
func (i Identity) Matches(t Task) bool {
	return NormalizeEmail(t.UserEmail) == NormalizeEmail(i.Email) && t.UserQuery == i.Query
}

// Candidate summarizes a task surfaced by an identity search.
type Candidate struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CandidateOf builds the diagnostic summary of t.
func CandidateOf(t Task) Candidate {
	return Candidate{ID: t.ID, Status: t.Status, CreatedAt: t.CreatedAt}
}
