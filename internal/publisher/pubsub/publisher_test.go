package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONEvent(t *testing.T) {
	client, srv := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "job-events")
	require.NoError(t, err)

	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(ctx) })
	spanCtx, span := tp.Tracer("test").Start(ctx, "publish")
	defer span.End()

	pub := NewWithClient(client)
	t.Cleanup(func() { _ = pub.Close() })

	event := crawler.JobEvent{JobID: "job-1", URL: "https://example.com", Status: crawler.JobStatusCompleted}
	id, err := pub.Publish(spanCtx, "job-events", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got crawler.JobEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "job-1", got.JobID)
	require.Equal(t, crawler.JobStatusCompleted, got.Status)
	require.Contains(t, msgs[0].Attributes, "traceparent")
}

func TestPublishRejectsMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := NewWithClient(client)

	_, err := pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "absent", "x")
	require.Error(t, err)
	require.NoError(t, pub.Close())
}

func TestPublishUnconfigured(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")
}
