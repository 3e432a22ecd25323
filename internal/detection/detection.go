// Package detection decides whether a terminal update claims a real task in a
// state that accepts it. It only reports problems; it never redirects a write.
package detection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/task"
)

// Claim is what an inbound COMPLETE or ERROR event asserts about a task.
type Claim struct {
	TaskID   string
	Identity task.Identity
}

// Result describes the outcome of a detection pass. It is logged, never stored.
type Result struct {
	HasError               bool
	ErrorKind              task.ErrorKind
	TaskExists             bool
	MatchingCandidateCount int
	CurrentStatus          *task.Status
	IsValidTransition      bool
	Candidates             []task.Candidate
}

// Severity reports the log severity for the detected kind.
func (r Result) Severity() task.Severity {
	if !r.HasError {
		return ""
	}
	return r.ErrorKind.Severity()
}

// Err converts a failed detection into a classified error.
func (r Result) Err() error {
	if !r.HasError {
		return nil
	}
	return task.NewError(r.ErrorKind, errors.New(r.describe()))
}

func (r Result) describe() string {
	switch r.ErrorKind {
	case task.KindStateMismatch:
		return fmt.Sprintf("task is %s and accepts no further transition", *r.CurrentStatus)
	case task.KindTaskNotFound:
		return "no task with this id or identity"
	case task.KindTaskMismatch:
		return fmt.Sprintf("id does not exist but identity matches task %s", r.Candidates[0].ID)
	case task.KindMultipleTaskMatch:
		return fmt.Sprintf("id does not exist and identity matches %d tasks", r.MatchingCandidateCount)
	default:
		return string(r.ErrorKind)
	}
}

// Fields renders the result for structured logs.
func (r Result) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Bool("has_error", r.HasError),
		zap.Bool("task_exists", r.TaskExists),
		zap.Bool("valid_transition", r.IsValidTransition),
		zap.Int("candidate_count", r.MatchingCandidateCount),
	}
	if r.HasError {
		fields = append(fields, zap.String("error_kind", string(r.ErrorKind)), zap.String("severity", string(r.Severity())))
	}
	if r.CurrentStatus != nil {
		fields = append(fields, zap.String("current_status", string(*r.CurrentStatus)))
	}
	if len(r.Candidates) > 0 {
		fields = append(fields, zap.Any("candidates", r.Candidates))
	}
	return fields
}

// Finder is the subset of task.Repository detection reads from.
type Finder interface {
	FindByID(ctx context.Context, id string) (task.Task, error)
	FindByIdentity(ctx context.Context, identity task.Identity) ([]task.Task, error)
}

// Service runs detection against a Finder.
type Service struct {
	finder Finder
}

// NewService returns a Service reading from finder.
func NewService(finder Finder) *Service {
	return &Service{finder: finder}
}

// Detect evaluates claim against stored state for a move to target. The error
// return is reserved for lookup failures, classified as PERSISTENCE_ERROR;
// detected anomalies are reported through Result.
func (s *Service) Detect(ctx context.Context, claim Claim, target task.Status) (Result, error) {
	existing, err := s.finder.FindByID(ctx, claim.TaskID)
	switch {
	case err == nil:
		status := existing.Status
		res := Result{
			TaskExists:        true,
			CurrentStatus:     &status,
			IsValidTransition: status.CanTransitionTo(target),
		}
		if !res.IsValidTransition {
			res.HasError = true
			res.ErrorKind = task.KindStateMismatch
		}
		return res, nil
	case !errors.Is(err, task.ErrNotFound):
		return Result{}, task.NewError(task.KindPersistence, fmt.Errorf("find task %s: %w", claim.TaskID, err))
	}

	matches, err := s.finder.FindByIdentity(ctx, claim.Identity.Normalized())
	if err != nil {
		return Result{}, task.NewError(task.KindPersistence, fmt.Errorf("find tasks by identity: %w", err))
	}

	res := Result{HasError: true}
	for _, m := range matches {
		// Adapters may match loosely; the policy is enforced here.
		if claim.Identity.Matches(m) {
			res.Candidates = append(res.Candidates, task.CandidateOf(m))
		}
	}
	res.MatchingCandidateCount = len(res.Candidates)
	switch res.MatchingCandidateCount {
	case 0:
		res.ErrorKind = task.KindTaskNotFound
	case 1:
		res.ErrorKind = task.KindTaskMismatch
	default:
		res.ErrorKind = task.KindMultipleTaskMatch
	}
	return res, nil
}
