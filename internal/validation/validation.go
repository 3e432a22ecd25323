// Package validation checks inbound envelopes and outbound crawl requests
// against per-kind field schemas. Failures are returned as data, never panics.
package validation

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-task-consumer/internal/event"
)

// Violation names a field and why it was rejected.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return v.Field + " " + v.Reason
}

// Result is the outcome of a validation pass.
type Result struct {
	Valid      bool        `json:"isValid"`
	Violations []Violation `json:"violations,omitempty"`
}

func newResult(violations []Violation) Result {
	return Result{Valid: len(violations) == 0, Violations: violations}
}

// Err summarizes the violations, or returns nil for a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		parts = append(parts, v.String())
	}
	return errors.New(strings.Join(parts, "; "))
}

// Field renders the violations for structured logs.
func (r Result) Field() zap.Field {
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		parts = append(parts, v.String())
	}
	return zap.Strings("violations", parts)
}

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	envelopes map[event.Kind]Schema[event.Envelope]
	request   Schema[event.CrawlRequest]
}

// New builds the envelope and crawl request schemas.
func New() *Validator {
	v := validator.New()
	email := tag(v, "email", "must be a valid email address")
	url := tag(v, "http_url", "must be an absolute http(s) URL")
	uuid := tag(v, "uuid", "must be a UUID")

	headers := func(kind event.Kind) Schema[event.Envelope] {
		s := Schema[event.Envelope]{
			{Name: "headers." + event.HeaderEventKind, Value: func(e event.Envelope) string { return e.Headers.EventKind }, Rules: []Rule{required, eventKind(kind)}},
			{Name: "headers." + event.HeaderTimestamp, Value: func(e event.Envelope) string { return e.Headers.Timestamp }, Rules: []Rule{required, timestamp}},
		}
		if kind != event.KindCreate {
			s = append(s, Field[event.Envelope]{Name: "headers." + event.HeaderTaskID, Value: func(e event.Envelope) string { return e.Headers.TaskID }, Rules: []Rule{required, uuid}})
		}
		return s
	}
	identity := Schema[event.Envelope]{
		{Name: "body.userEmail", Value: func(e event.Envelope) string { return e.Body.UserEmail }, Rules: []Rule{required, email}},
		{Name: "body.userQuery", Value: func(e event.Envelope) string { return e.Body.UserQuery }, Rules: []Rule{required}},
	}
	originalURL := func(rules ...Rule) Field[event.Envelope] {
		return Field[event.Envelope]{Name: "body.originalUrl", Value: func(e event.Envelope) string { return e.Body.OriginalURL }, Rules: rules}
	}
	result := func(rules ...Rule) Field[event.Envelope] {
		return Field[event.Envelope]{Name: "body.result", Value: func(e event.Envelope) string { return string(e.Body.Result) }, Rules: rules}
	}
	errMsg := func(rules ...Rule) Field[event.Envelope] {
		return Field[event.Envelope]{Name: "body.error", Value: func(e event.Envelope) string { return e.Body.Error }, Rules: rules}
	}
	noResult := func(value string) string {
		if event.EmptyJSON([]byte(value)) {
			return ""
		}
		return forbidden(event.KindError)(value)
	}

	envelopes := map[event.Kind]Schema[event.Envelope]{
		event.KindCreate: concat(headers(event.KindCreate), identity, Schema[event.Envelope]{
			originalURL(required, url),
		}),
		event.KindComplete: concat(headers(event.KindComplete), identity, Schema[event.Envelope]{
			originalURL(optional(url)),
			result(nonEmptyJSON),
			errMsg(forbidden(event.KindComplete)),
		}),
		event.KindError: concat(headers(event.KindError), identity, Schema[event.Envelope]{
			originalURL(optional(url)),
			errMsg(required),
			result(noResult),
		}),
	}

	request := Schema[event.CrawlRequest]{
		{Name: "taskId", Value: func(r event.CrawlRequest) string { return r.TaskID }, Rules: []Rule{required, uuid}},
		{Name: "userEmail", Value: func(r event.CrawlRequest) string { return r.UserEmail }, Rules: []Rule{required, email}},
		{Name: "userQuery", Value: func(r event.CrawlRequest) string { return r.UserQuery }, Rules: []Rule{required}},
		{Name: "originalUrl", Value: func(r event.CrawlRequest) string { return r.OriginalURL }, Rules: []Rule{required, url}},
	}

	return &Validator{envelopes: envelopes, request: request}
}

// Validate checks env against the schema for kind. kind is the event kind the
// envelope is expected to carry, usually derived from the topic it arrived on.
func (v *Validator) Validate(kind event.Kind, env event.Envelope) Result {
	schema, ok := v.envelopes[kind]
	if !ok {
		return newResult([]Violation{{Field: "headers." + event.HeaderEventKind, Reason: "must be one of CREATE, COMPLETE, ERROR"}})
	}
	var violations []Violation
	if env.DecodeErr != nil {
		violations = append(violations, Violation{Field: "body", Reason: "must be a JSON object"})
	}
	violations = append(violations, schema.Check(env)...)
	return newResult(violations)
}

// ValidateCrawlRequest applies the same discipline to the outbound message.
func (v *Validator) ValidateCrawlRequest(r event.CrawlRequest) Result {
	return newResult(v.request.Check(r))
}

func concat[T any](parts ...Schema[T]) Schema[T] {
	var out Schema[T]
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
