// Package tracecontext parses, renders, and derives W3C traceparent values.
// All functions are pure and safe for concurrent use; malformed input
// degrades to "untraced" instead of failing.
package tracecontext

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Header names carried in message metadata.
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

const (
	supportedVersion = "00"
	headerLen        = 55
	sampledFlag      = trace.FlagsSampled
)

// TraceContext is the propagated identity of one operation within a trace.
type TraceContext struct {
	TraceID trace.TraceID
	SpanID  trace.SpanID
	// ParentSpanID is set on contexts minted by Child and is zero otherwise.
	ParentSpanID trace.SpanID
	Flags        trace.TraceFlags
	State        trace.TraceState
}

// Valid reports whether both ids are non-zero.
func (tc TraceContext) Valid() bool {
	return tc.TraceID.IsValid() && tc.SpanID.IsValid()
}

// Header renders tc as a traceparent value, or "" when tc is not valid.
func (tc TraceContext) Header() string {
	if !tc.Valid() {
		return ""
	}
	return Format(tc.TraceID, tc.SpanID, tc.Flags)
}

// Child mints a new span under the same trace. An invalid receiver yields a
// fresh root context.
func (tc TraceContext) Child() TraceContext {
	if !tc.Valid() {
		return New()
	}
	return TraceContext{
		TraceID:      tc.TraceID,
		SpanID:       newSpanIDExcept(tc.SpanID),
		ParentSpanID: tc.SpanID,
		Flags:        tc.Flags,
		State:        tc.State,
	}
}

// SpanContext converts tc into a remote otel span context so SDK spans can be
// parented on the inbound message.
func (tc TraceContext) SpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tc.TraceID,
		SpanID:     tc.SpanID,
		TraceFlags: tc.Flags,
		TraceState: tc.State,
		Remote:     true,
	})
}

// FromSpanContext converts a span context recorded by an otel tracer. It
// returns false when sc carries no valid ids.
func FromSpanContext(sc trace.SpanContext) (TraceContext, bool) {
	if !sc.IsValid() {
		return TraceContext{}, false
	}
	return TraceContext{
		TraceID: sc.TraceID(),
		SpanID:  sc.SpanID(),
		Flags:   sc.TraceFlags(),
		State:   sc.TraceState(),
	}, true
}

// Parse validates a traceparent value. It returns false for empty, truncated,
// non-hex, all-zero, or unsupported input.
func Parse(header string) (TraceContext, bool) {
	header = strings.TrimSpace(header)
	if len(header) < headerLen {
		return TraceContext{}, false
	}
	version := header[0:2]
	if version == "ff" || !isLowerHex(version) {
		return TraceContext{}, false
	}
	if version == supportedVersion && len(header) != headerLen {
		return TraceContext{}, false
	}
	if len(header) > headerLen && header[headerLen] != '-' {
		return TraceContext{}, false
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return TraceContext{}, false
	}

	traceID, err := trace.TraceIDFromHex(header[3:35])
	if err != nil {
		return TraceContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(header[36:52])
	if err != nil {
		return TraceContext{}, false
	}
	flagsHex := header[53:55]
	if !isLowerHex(flagsHex) {
		return TraceContext{}, false
	}
	flags, err := hex.DecodeString(flagsHex)
	if err != nil {
		return TraceContext{}, false
	}

	return TraceContext{
		TraceID: traceID,
		SpanID:  spanID,
		Flags:   trace.TraceFlags(flags[0]),
	}, true
}

// ParseWithState parses a traceparent and attaches the vendor tracestate. A
// malformed tracestate is dropped without invalidating the traceparent.
func ParseWithState(traceparent, tracestate string) (TraceContext, bool) {
	tc, ok := Parse(traceparent)
	if !ok {
		return TraceContext{}, false
	}
	if tracestate != "" {
		if ts, err := trace.ParseTraceState(tracestate); err == nil {
			tc.State = ts
		}
	}
	return tc, true
}

// Format renders the canonical traceparent value.
func Format(traceID trace.TraceID, spanID trace.SpanID, flags trace.TraceFlags) string {
	return fmt.Sprintf("%s-%s-%s-%s", supportedVersion, traceID.String(), spanID.String(), flags.String())
}

// ChildOf returns a traceparent for a new span under parent's trace. When
// parent cannot be parsed a new root trace is started.
func ChildOf(parent string) string {
	tc, ok := Parse(parent)
	if !ok {
		return New().Header()
	}
	return tc.Child().Header()
}

// New starts a sampled root trace.
func New() TraceContext {
	return TraceContext{
		TraceID: newTraceID(),
		SpanID:  newSpanIDExcept(trace.SpanID{}),
		Flags:   sampledFlag,
	}
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying tc.
func NewContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the TraceContext stored in ctx, if any valid one exists.
func FromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(contextKey{}).(TraceContext)
	if !ok || !tc.Valid() {
		return TraceContext{}, false
	}
	return tc, true
}

// WithRemoteParent attaches tc as the remote otel parent of ctx. Invalid
// contexts leave ctx untouched.
func WithRemoteParent(ctx context.Context, tc TraceContext) context.Context {
	if !tc.Valid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, tc.SpanContext())
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		mustRead(id[:])
	}
	return id
}

func newSpanIDExcept(exclude trace.SpanID) trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() || id == exclude {
		mustRead(id[:])
	}
	return id
}

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("tracecontext: read random bytes: %v", err))
	}
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
