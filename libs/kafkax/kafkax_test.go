package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestExtractEventMeta(t *testing.T) {
	msg := kafka.Message{
		Topic:   "user-events",
		Headers: EventMeta{EventID: "evt-1", EventType: "USER_CREATED"}.Headers(),
	}
	assert.Equal(t, EventMeta{EventID: "evt-1", EventType: "USER_CREATED"}, ExtractEventMeta(msg))

	bare := kafka.Message{Topic: "user-events", Partition: 2, Offset: 41}
	assert.Equal(t, EventMeta{EventID: "user-events/2/41", EventType: "user-events"}, ExtractEventMeta(bare))
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: HeaderEventID, Value: []byte("evt-1")}})
	require.NotEmpty(t, HeaderValue(headers, "traceparent"))
	assert.Equal(t, "evt-1", HeaderValue(headers, HeaderEventID))

	extracted := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	got := trace.SpanContextFromContext(extracted)
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
}
