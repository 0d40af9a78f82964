package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	tp, shutdown, err := Init(Config{ServiceName: "sagaworker"})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "task")
	assert.False(t, span.IsRecording())
	assert.NoError(t, shutdown(context.Background()))
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitEnabled(t *testing.T) {
	tp, shutdown, err := Init(Config{
		ServiceName: "sagaworker",
		Endpoint:    "http://localhost:14268/api/traces",
		Enabled:     true,
		SampleRate:  1,
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "task")
	assert.True(t, span.IsRecording())
	assert.Same(t, tp, otel.GetTracerProvider())
	// The span is never ended, so shutdown has nothing to export.
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampling(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		recording bool
	}{
		{"never", 0, false},
		{"below range", -0.5, false},
		{"always", 1, true},
		{"above range", 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr := tracetest.NewSpanRecorder()
			tp, err := newProvider(Config{SampleRate: tt.rate}, sdktrace.WithSpanProcessor(sr))
			require.NoError(t, err)

			_, span := tp.Tracer("test").Start(context.Background(), "task")
			span.End()
			assert.Equal(t, tt.recording, len(sr.Ended()) == 1)
		})
	}
}

func TestServiceNameResource(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp, err := newProvider(Config{SampleRate: 1}, sdktrace.WithSpanProcessor(sr))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "task")
	span.End()

	require.Len(t, sr.Ended(), 1)
	name, ok := sr.Ended()[0].Resource().Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, unknownService, name.AsString())
}
