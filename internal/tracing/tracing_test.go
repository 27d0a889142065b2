package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/orderedsub/orderedsub/internal/models"
)

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(&Config{ServiceName: "test", Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestHandlerSpanContinuesPublisherTrace(t *testing.T) {
	_, err := InitTracer(&Config{ServiceName: "test", Enabled: false})
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	pubCtx, pubSpan := tracer.Start(context.Background(), "publish")
	attrs := map[string]string{models.AttributeType: "order.created"}
	Inject(pubCtx, attrs)
	pubSpan.End()
	assert.Contains(t, attrs, "traceparent")

	msg := &models.Message{ID: "m1", OrderingKey: "K", Attributes: attrs}
	_, span := StartHandlerSpan(context.Background(), tracer, msg, 2)
	EndSpan(span, errors.New("failed"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	handled := spans[1]
	assert.Equal(t, "orderedsub.handle", handled.Name())
	assert.Equal(t, spans[0].SpanContext().TraceID(), handled.SpanContext().TraceID())
	assert.Equal(t, codes.Error, handled.Status().Code)
}

func TestExtractWithoutAttributes(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, nil))
}
