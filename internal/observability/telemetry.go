// Package observability wires OpenTelemetry tracing around execution and
// trigger lifecycles.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	Exporter    string  // otlp-http, none
	Endpoint    string  // localhost:4318
	ServiceName string  // pulsar
	SampleRate  float64 // 0.0 to 1.0
}

// Tracer produces spans for engine lifecycles. The zero-config tracer is a
// no-op.
type Tracer struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// Span is one finished-on-End lifecycle span.
type Span interface {
	End(status string, results, errs int)
}

// Init builds the tracer, installing the global provider when enabled.
func Init(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}, nil
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return t.tp.Shutdown(ctx)
}

type span struct {
	s trace.Span
}

func (sp span) End(status string, results, errs int) {
	sp.s.SetAttributes(
		attribute.String("pulsar.execution.status", status),
		attribute.Int("pulsar.execution.results", results),
		attribute.Int("pulsar.execution.errors", errs),
	)
	if errs > 0 || status != "done" {
		sp.s.SetStatus(codes.Error, status)
	} else {
		sp.s.SetStatus(codes.Ok, "")
	}
	sp.s.End()
}

// StartExecution opens a span covering one execution from creation to its
// terminal state.
func (t *Tracer) StartExecution(ctx context.Context, id, reader, mode string) (context.Context, Span) {
	ctx, s := t.tracer.Start(ctx, "pulsar.execution",
		trace.WithAttributes(
			attribute.String("pulsar.execution.id", id),
			attribute.String("pulsar.execution.reader", reader),
			attribute.String("pulsar.execution.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, span{s: s}
}

// StartTrigger opens a span covering one trigger dispatch.
func (t *Tracer) StartTrigger(ctx context.Context, registration, source string) (context.Context, Span) {
	ctx, s := t.tracer.Start(ctx, "pulsar.trigger",
		trace.WithAttributes(
			attribute.String("pulsar.registration.id", registration),
			attribute.String("pulsar.trigger.source", source),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	return ctx, span{s: s}
}
