package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for stratus. A disabled instance has
// nil collectors and every Record method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Resolver metrics
	resolverPasses       *prometheus.CounterVec
	resolverNodeErrors   *prometheus.CounterVec
	resolverPassDuration *prometheus.HistogramVec

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	activeOperations    prometheus.Gauge

	// Instance apply metrics
	instanceApplies       *prometheus.CounterVec
	instanceApplyDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		resolverPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_passes_total",
				Help:      "Total number of resolver evaluation passes",
			},
			[]string{"resolver"},
		),
		resolverNodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_node_errors_total",
				Help:      "Total number of nodes that failed to resolve",
			},
			[]string{"resolver"},
		),
		resolverPassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_pass_duration_seconds",
				Help:      "Duration of resolver evaluation passes",
				Buckets:   buckets,
			},
			[]string{"resolver"},
		),

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations launched",
			},
			[]string{"type"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations that reached a terminal status",
			},
			[]string{"status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Number of operations currently executing",
			},
		),

		instanceApplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_applies_total",
				Help:      "Total number of instance applies by phase and result",
			},
			[]string{"phase", "status"},
		),
		instanceApplyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_apply_duration_seconds",
				Help:      "Duration of instance applies",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
	}

	collectors := []prometheus.Collector{
		m.resolverPasses,
		m.resolverNodeErrors,
		m.resolverPassDuration,
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.activeOperations,
		m.instanceApplies,
		m.instanceApplyDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordResolverPass records one evaluation pass of a resolver.
func (m *Metrics) RecordResolverPass(resolver string, duration time.Duration, nodeErrors int) {
	if !m.Enabled() {
		return
	}
	m.resolverPasses.WithLabelValues(resolver).Inc()
	m.resolverPassDuration.WithLabelValues(resolver).Observe(duration.Seconds())
	if nodeErrors > 0 {
		m.resolverNodeErrors.WithLabelValues(resolver).Add(float64(nodeErrors))
	}
}

// RecordOperationStarted records an operation launch.
func (m *Metrics) RecordOperationStarted(operationType string) {
	if !m.Enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(operationType).Inc()
	m.activeOperations.Inc()
}

// RecordOperationCompleted records an operation reaching a terminal status.
func (m *Metrics) RecordOperationCompleted(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.operationsCompleted.WithLabelValues(status).Inc()
	m.operationDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordInstanceApply records the result of one instance apply.
func (m *Metrics) RecordInstanceApply(phase, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.instanceApplies.WithLabelValues(phase, status).Inc()
	m.instanceApplyDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. The returned
// server is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.Enabled() {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	// Surface immediate bind failures.
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
	}

	return server, nil
}
