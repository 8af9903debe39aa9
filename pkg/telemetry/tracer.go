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
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/stratus/pkg/engine"
)

// Span names.
const (
	SpanProjectResolve   = "project.resolve"
	SpanOperationExecute = "operation.execute"
	SpanInstanceApply    = "instance.apply"
)

// Span attribute keys.
var (
	AttrProjectID     = attribute.Key("project.id")
	AttrRevision      = attribute.Key("project.revision")
	AttrOperationID   = attribute.Key("operation.id")
	AttrOperationType = attribute.Key("operation.type")
	AttrInstanceID    = attribute.Key("instance.id")
	AttrPhase         = attribute.Key("phase")
	AttrErrorCode     = attribute.Key("error.code")
)

// Tracer starts the resolve, operation and apply spans. A disabled tracer
// hands out no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. With tracing enabled it installs the provider
// and the W3C propagators globally.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		semconv.DeploymentEnvironmentKey.String(environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		batch := []sdktrace.BatchSpanProcessorOption{}
		if cfg.MaxExportBatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
		}
		if cfg.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newExporter returns nil for the "none" exporter: spans are sampled and
// propagated but not exported.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// NopTracer returns a tracer that records nothing.
func NopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("stratus")}
}

// StartResolveSpan starts the span covering one project resolution.
func (t *Tracer) StartResolveSpan(ctx context.Context, projectID string, revision int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanProjectResolve, trace.WithAttributes(
		AttrProjectID.String(projectID),
		AttrRevision.Int64(revision),
	))
}

// StartOperationSpan starts the span covering an operation execution.
func (t *Tracer) StartOperationSpan(ctx context.Context, operationID, operationType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanOperationExecute, trace.WithAttributes(
		AttrOperationID.String(operationID),
		AttrOperationType.String(operationType),
	))
}

// StartApplySpan starts the span covering one instance apply.
func (t *Tracer) StartApplySpan(ctx context.Context, operationID, instanceID, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, SpanInstanceApply, trace.WithAttributes(
		AttrOperationID.String(operationID),
		AttrInstanceID.String(instanceID),
		AttrPhase.String(phase),
	))
}

// EndSpan sets the span status from err and ends it. Engine errors also
// record their code.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := engine.CodeOf(err); code != "" {
			span.SetAttributes(AttrErrorCode.String(code))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace id of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
