package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/crawl-task-consumer/internal/event"
)

// Rule inspects a single field value and returns a reason when it fails, or ""
// when the value is acceptable.
type Rule func(value string) string

// Field binds a field name to an accessor and the rules applied to it.
type Field[T any] struct {
	Name  string
	Value func(T) string
	Rules []Rule
}

// Schema is an ordered list of field checks over T.
type Schema[T any] []Field[T]

// Check evaluates every field. Rules for one field stop at the first failure so
// a blank email reports "is required" rather than also "must be an email".
func (s Schema[T]) Check(v T) []Violation {
	var out []Violation
	for _, f := range s {
		value := f.Value(v)
		for _, rule := range f.Rules {
			if reason := rule(value); reason != "" {
				out = append(out, Violation{Field: f.Name, Reason: reason})
				break
			}
		}
	}
	return out
}

func required(value string) string {
	if strings.TrimSpace(value) == "" {
		return "is required"
	}
	return ""
}

// optional wraps rules so they only run on non-blank values.
func optional(rules ...Rule) Rule {
	return func(value string) string {
		if strings.TrimSpace(value) == "" {
			return ""
		}
		for _, r := range rules {
			if reason := r(value); reason != "" {
				return reason
			}
		}
		return ""
	}
}

func forbidden(kind event.Kind) Rule {
	return func(value string) string {
		if strings.TrimSpace(value) != "" {
			return fmt.Sprintf("must be empty for %s events", kind)
		}
		return ""
	}
}

func tag(v *validator.Validate, name, reason string) Rule {
	return func(value string) string {
		if err := v.Var(value, name); err != nil {
			return reason
		}
		return ""
	}
}

func timestamp(value string) string {
	if _, err := event.ParseTimestamp(value); err != nil {
		return "must be RFC 3339 or epoch milliseconds"
	}
	return ""
}

func eventKind(expected event.Kind) Rule {
	return func(value string) string {
		k, ok := event.ParseKind(value)
		if !ok {
			return "must be one of CREATE, COMPLETE, ERROR"
		}
		if expected != "" && k != expected {
			return fmt.Sprintf("%s does not match the %s topic", k, expected)
		}
		return ""
	}
}

func nonEmptyJSON(value string) string {
	if event.EmptyJSON([]byte(value)) {
		return "must be a non-empty JSON value"
	}
	return ""
}
