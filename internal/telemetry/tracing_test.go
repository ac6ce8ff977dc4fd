package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test"})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := Tracer().Start(context.Background(), "submit")
	defer span.End()

	attrs := Inject(ctx)
	require.Contains(t, attrs, "traceparent")

	restored := Extract(context.Background(), attrs)
	got := trace.SpanContextFromContext(restored)
	require.True(t, got.IsRemote())
	require.Equal(t, span.SpanContext().TraceID(), got.TraceID())
}

func TestInjectWithoutSpan(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	require.Nil(t, Inject(context.Background()))
	ctx := context.Background()
	require.Equal(t, ctx, Extract(ctx, nil))
}
