package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/stratus/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"async without buffer", func(c *Config) { c.Events.EnableAsync = true; c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("operation").
		WithProjectID("demo").
		WithOperationID("op-1").
		WithInstanceID("net.vpc:main").
		Info("Applying instance")
	logger.Debug("hidden")

	out := buf.String()
	for _, want := range []string{`"component":"operation"`, `"project_id":"demo"`, `"operation_id":"op-1"`, `"instance_id":"net.vpc:main"`, "Applying instance"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("Expected debug message to be filtered at info level")
	}
}

func TestLogger_Context(t *testing.T) {
	logger := NewWriterLogger(io.Discard, LoggingConfig{Level: "info"})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected a fallback logger")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordResolverPass("input", time.Millisecond, 2)
	m.RecordOperationStarted("update")
	m.RecordOperationCompleted("completed", time.Second)
	m.RecordInstanceApply("update", "succeeded", time.Second)

	if m.Enabled() || m.Registry() != nil {
		t.Error("Expected disabled metrics")
	}
	srv, err := m.StartMetricsServer()
	if err != nil || srv != nil {
		t.Errorf("Expected no server, got %v, %v", srv, err)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordResolverPass("validation", 10*time.Millisecond, 3)
	m.RecordOperationStarted("destroy")
	m.RecordInstanceApply("destroy", "failed", time.Second)
	m.RecordOperationCompleted("failed", 2*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`stratus_resolver_passes_total{resolver="validation"} 1`,
		`stratus_resolver_node_errors_total{resolver="validation"} 3`,
		`stratus_operations_started_total{type="destroy"} 1`,
		`stratus_operations_completed_total{status="failed"} 1`,
		`stratus_instance_applies_total{phase="destroy",status="failed"} 1`,
		`stratus_active_operations 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})
	ctx := context.Background()

	var got []engine.Event
	unsubscribe := ep.Subscribe(func(e engine.Event) { got = append(got, e) }, FilterByOperationID("op-1"))

	_ = ep.Publish(ctx, &engine.Event{OperationID: "op-1", Type: engine.EventInstanceSkipped, Message: "skipped"})
	_ = ep.Publish(ctx, &engine.Event{OperationID: "op-2", Type: engine.EventOperationStarted})

	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() || got[0].Level != "warn" {
		t.Errorf("Expected defaults to be filled, got %+v", got[0])
	}

	unsubscribe()
	_ = ep.Publish(ctx, &engine.Event{OperationID: "op-1", Type: engine.EventOperationCompleted})
	if len(got) != 1 {
		t.Errorf("Expected no delivery after unsubscribe, got %d", len(got))
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(engine.Event) { called = true }, nil)
	if err := ep.Publish(context.Background(), &engine.Event{OperationID: "op-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if called {
		t.Error("Expected no delivery when disabled")
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100})

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(engine.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByInstanceID("a"))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := ep.Publish(ctx, &engine.Event{OperationID: "op-1", InstanceID: "a", Type: engine.EventInstanceLog}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.Publish(ctx, &engine.Event{OperationID: "op-1", InstanceID: "b", Type: engine.EventInstanceLog})

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := ep.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("Expected 10 delivered events, got %d", count)
	}
}

func TestFilters(t *testing.T) {
	e := engine.Event{OperationID: "op-1", InstanceID: "a", Type: engine.EventInstanceFailed, Level: "error"}

	if !FilterByLevel("warn")(e) || FilterByLevel("error")(engine.Event{Level: "info"}) {
		t.Error("Unexpected level filtering")
	}
	if !FilterByType(engine.EventInstanceFailed)(e) || FilterByType(engine.EventInstanceLog)(e) {
		t.Error("Unexpected type filtering")
	}
	if AllOf(FilterByOperationID("op-1"), FilterByInstanceID("b"))(e) {
		t.Error("Expected AllOf to require every filter")
	}
}

func TestTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "stratus", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span := tracer.StartOperationSpan(context.Background(), "op-1", "update")
	EndSpan(span, nil)
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from a no-op tracer")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracer_EnabledWithoutExporter(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "stratus", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartResolveSpan(context.Background(), "demo", 3)
	if TraceID(ctx) == "" {
		t.Error("Expected a sampled span to carry a trace id")
	}
	EndSpan(span, engine.NewPermanentError("boom", nil).WithCode(engine.ErrCodeValidation))

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "stratus", "dev", "test"); err == nil {
		t.Error("Expected an unsupported exporter to fail")
	}
}

func TestTelemetry_Nop(t *testing.T) {
	tel := Nop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry from context")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
