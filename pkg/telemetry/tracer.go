package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "github.com/openfroyo/rightsize"

// Span attribute keys.
var (
	AttrRunID       = attribute.Key("run.id")
	AttrRunStatus   = attribute.Key("run.status")
	AttrWorkflow    = attribute.Key("workflow.name")
	AttrStep        = attribute.Key("step.name")
	AttrAction      = attribute.Key("step.action")
	AttrStepStatus  = attribute.Key("step.status")
	AttrAttempts    = attribute.Key("step.attempts")
	AttrErrorKind   = attribute.Key("error.kind")
	AttrErrorCode   = attribute.Key("error.code")
	AttrFailingStep = attribute.Key("run.failing_step")

	AttrReservationOutcome = attribute.Key("reservation.outcome")
)

// Tracer produces one span per run with a child span per step.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer described by cfg.Tracing. A disabled tracer
// never samples, so spans cost nothing.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if !cfg.Tracing.Enabled {
		return NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentKey.String(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate))),
	}
	exporter, err := newSpanExporter(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Tracing.Exporter, err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.Tracing.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.Tracing.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return NewTracerWithProvider(provider), nil
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled
// but dropped.
func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported exporter %q", cfg.Exporter)
}

// NewTracerWithProvider wraps an existing provider.
func NewTracerWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(tracerName)}
}

// StartRunSpan starts the root span of a workflow run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, workflow string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run "+workflow, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrWorkflow.String(workflow),
	))
}

// StartStepSpan starts the span of one step under the run span in ctx.
func (t *Tracer) StartStepSpan(ctx context.Context, runID, step, action string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "step "+step, trace.WithAttributes(
		AttrRunID.String(runID),
		AttrStep.String(step),
		AttrAction.String(action),
	))
}

// endSpan sets the span status from err and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown exports pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
