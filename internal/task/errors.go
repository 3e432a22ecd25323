package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrTransitionRejected signals that the stored task refused a status change.
	ErrTransitionRejected = errors.New("task transition rejected")
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

// Error kinds surfaced while processing lifecycle events.
const (
	KindValidation        ErrorKind = "VALIDATION_ERROR"
	KindTaskNotFound      ErrorKind = "TASK_NOT_FOUND"
	KindTaskMismatch      ErrorKind = "TASK_MISMATCH"
	KindMultipleTaskMatch ErrorKind = "MULTIPLE_TASK_MATCH"
	KindStateMismatch     ErrorKind = "STATE_MISMATCH"
	KindPersistence       ErrorKind = "PERSISTENCE_ERROR"
	KindTransport         ErrorKind = "TRANSPORT_ERROR"
)

// Severity ranks how loudly an error kind is reported.
type Severity string

// Severity levels attached to log entries.
const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Severity returns the reporting severity for the kind.
func (k ErrorKind) Severity() Severity {
	switch k {
	case KindValidation:
		return SeverityLow
	case KindTaskNotFound, KindStateMismatch:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// Retryable reports whether redelivery could help. Only infrastructure
// failures qualify; a structurally invalid message never heals.
func (k ErrorKind) Retryable() bool {
	return k == KindPersistence || k == KindTransport
}

// Error attaches an ErrorKind to an underlying failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err. Unclassified errors are treated as
// persistence failures so they are retried rather than dropped.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return KindPersistence, false
}

// IsRetryable reports whether err should leave the message uncommitted.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind, _ := KindOf(err)
	return kind.Retryable()
}
