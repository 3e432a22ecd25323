package tracecontext

import "go.uber.org/zap"

// Fields returns zap fields identifying tc. Untraced contexts log traced=false
// so gaps in propagation show up in queries.
func Fields(tc TraceContext) []zap.Field {
	if !tc.Valid() {
		return []zap.Field{zap.Bool("traced", false)}
	}
	fields := []zap.Field{
		zap.String("trace_id", tc.TraceID.String()),
		zap.String("span_id", tc.SpanID.String()),
		zap.String("trace_flags", tc.Flags.String()),
	}
	if tc.ParentSpanID.IsValid() {
		fields = append(fields, zap.String("parent_span_id", tc.ParentSpanID.String()))
	}
	return fields
}
