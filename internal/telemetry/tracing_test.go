package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/JakeFAU/crawl-task-consumer/internal/tracecontext"
)

func TestInitTracerProviderValidates(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1})
	require.Error(t, err)
	_, err = InitTracerProvider(context.Background(), Config{ServiceName: "svc", SampleRatio: 2})
	require.Error(t, err)
}

func TestInitTracerProviderExportsChildOfRemoteParent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "crawl-task-consumer",
		SampleRatio: 0,
		Exporters:   []sdktrace.SpanExporter{exporter},
	})
	require.NoError(t, err)
	defer func() { otel.SetTracerProvider(noop.NewTracerProvider()) }()

	parent, ok := tracecontext.Parse("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.True(t, ok)
	ctx := tracecontext.WithRemoteParent(context.Background(), parent)
	_, span := otel.Tracer("test").Start(ctx, "task.create")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, parent.TraceID, spans[0].SpanContext.TraceID())
	require.Equal(t, parent.SpanID, spans[0].Parent.SpanID())
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestPropagatorRoundTripsTraceparent(t *testing.T) {
	t.Parallel()

	carrier := propagation.MapCarrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	ctx := Propagator().Extract(context.Background(), carrier)
	out := propagation.MapCarrier{}
	Propagator().Inject(ctx, out)
	require.Equal(t, carrier["traceparent"], out["traceparent"])
}
