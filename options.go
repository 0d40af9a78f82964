package sagatask

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fortressi/sagatask"

// Option configures how a saga is compiled.
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
		tracer: otel.GetTracerProvider().Tracer(instrumentationName),
	}
}

// WithLogger sets the logger used when the invocation context carries none.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics reports every task invocation to m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets the provider task spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp.Tracer(instrumentationName)
	}
}

// loggerFor prefers the logger the substrate attached to ctx.
func (o *options) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return o.logger
}
