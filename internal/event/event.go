// Package event describes the messages exchanged with the broker: inbound task
// lifecycle envelopes and the outbound crawl request.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-task-consumer/internal/tracecontext"
)

// Metadata keys carried alongside every payload.
const (
	HeaderEventKind     = "event_kind"
	HeaderTimestamp     = "timestamp"
	HeaderTaskID        = "task_id"
	HeaderCorrelationID = "correlation_id"
	HeaderTraceParent   = tracecontext.HeaderTraceParent
	HeaderTraceState    = tracecontext.HeaderTraceState
)

// Kind is the lifecycle action a message represents.
type Kind string

// Supported event kinds.
const (
	KindCreate   Kind = "CREATE"
	KindComplete Kind = "COMPLETE"
	KindError    Kind = "ERROR"
)

// Kinds lists every supported kind in processing order.
func Kinds() []Kind {
	return []Kind{KindCreate, KindComplete, KindError}
}

// ParseKind maps a header value onto a Kind, ignoring case and surrounding space.
func ParseKind(raw string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	switch k {
	case KindCreate, KindComplete, KindError:
		return k, true
	default:
		return "", false
	}
}

// Headers are the transport metadata of an inbound event.
type Headers struct {
	EventKind     string
	Timestamp     string
	TaskID        string
	TraceParent   string
	TraceState    string
	CorrelationID string
}

// HeadersFrom reads the known keys out of a metadata map.
func HeadersFrom(md map[string]string) Headers {
	return Headers{
		EventKind:     md[HeaderEventKind],
		Timestamp:     md[HeaderTimestamp],
		TaskID:        md[HeaderTaskID],
		TraceParent:   md[HeaderTraceParent],
		TraceState:    md[HeaderTraceState],
		CorrelationID: md[HeaderCorrelationID],
	}
}

// Map renders h back into metadata, omitting empty values.
func (h Headers) Map() map[string]string {
	md := make(map[string]string, 6)
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(HeaderEventKind, h.EventKind)
	set(HeaderTimestamp, h.Timestamp)
	set(HeaderTaskID, h.TaskID)
	set(HeaderTraceParent, h.TraceParent)
	set(HeaderTraceState, h.TraceState)
	set(HeaderCorrelationID, h.CorrelationID)
	return md
}

// Body is the JSON payload of an inbound event.
type Body struct {
	UserEmail   string          `json:"userEmail"`
	UserQuery   string          `json:"userQuery"`
	OriginalURL string          `json:"originalUrl,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Envelope pairs the headers and body of one inbound event.
type Envelope struct {
	Headers Headers
	Body    Body
	// DecodeErr is set when the payload was not a JSON object. The envelope is
	// still returned so the failure is reported as a validation violation.
	DecodeErr error
}

// Decode builds an Envelope from transport metadata and payload.
func Decode(md map[string]string, payload []byte) Envelope {
	env := Envelope{Headers: HeadersFrom(md)}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		env.DecodeErr = fmt.Errorf("empty payload")
		return env
	}
	if err := Unmarshal(trimmed, &env.Body); err != nil {
		env.DecodeErr = fmt.Errorf("decode body: %w", err)
	}
	return env
}

// TraceContext extracts the propagated trace, if any.
func (e Envelope) TraceContext() (tracecontext.TraceContext, bool) {
	return tracecontext.ParseWithState(e.Headers.TraceParent, e.Headers.TraceState)
}

// ParseTimestamp accepts RFC 3339 text or Unix epoch milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("timestamp %q must be positive", raw)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}

// EmptyJSON reports whether raw carries no meaningful value: absent, null,
// an empty string, or an empty object/array.
func EmptyJSON(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", `""`, "{}", "[]":
		return true
	default:
		return false
	}
}
