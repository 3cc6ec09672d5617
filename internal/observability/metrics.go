package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the orchestrator
type MetricsCollector struct {
	meter metric.Meter

	// Engine metrics
	plansCreated  metric.Int64Counter
	plansRevised  metric.Int64Counter
	stepsExecuted metric.Int64Counter
	interrupts    metric.Int64Counter
	threadsActive metric.Int64UpDownCounter

	// Outbound RPC metrics
	rpcRequests        metric.Int64Counter
	rpcLatency         metric.Float64Histogram
	breakerTransitions metric.Int64Counter

	// Observer bus metrics
	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter

	// Memory graph metrics
	memoryNodes metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector. A disabled collector is
// valid; every record method no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("maestro")

	plansCreated, err := meter.Int64Counter(
		"maestro.plans.created.total",
		metric.WithDescription("Plans produced by the planner"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plans_created counter: %w", err)
	}

	plansRevised, err := meter.Int64Counter(
		"maestro.plans.revised.total",
		metric.WithDescription("Plan revisions emitted by the replanner"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plans_revised counter: %w", err)
	}

	stepsExecuted, err := meter.Int64Counter(
		"maestro.steps.executed.total",
		metric.WithDescription("Plan steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create steps_executed counter: %w", err)
	}

	interrupts, err := meter.Int64Counter(
		"maestro.interrupts.total",
		metric.WithDescription("Interrupts raised"),
		metric.WithUnit("{interrupt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create interrupts counter: %w", err)
	}

	threadsActive, err := meter.Int64UpDownCounter(
		"maestro.threads.active",
		metric.WithDescription("Number of threads with a live engine"),
		metric.WithUnit("{thread}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create threads_active gauge: %w", err)
	}

	rpcRequests, err := meter.Int64Counter(
		"maestro.rpc.requests.total",
		metric.WithDescription("Outbound agent RPC requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc_requests counter: %w", err)
	}

	rpcLatency, err := meter.Float64Histogram(
		"maestro.rpc.latency",
		metric.WithDescription("Outbound agent RPC latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc_latency histogram: %w", err)
	}

	breakerTransitions, err := meter.Int64Counter(
		"maestro.breaker.transitions.total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker_transitions counter: %w", err)
	}

	eventsPublished, err := meter.Int64Counter(
		"maestro.events.published.total",
		metric.WithDescription("Observer events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_published counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"maestro.events.dropped.total",
		metric.WithDescription("Observer events dropped on slow or dead subscribers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	memoryNodes, err := meter.Int64Counter(
		"maestro.memory.nodes.total",
		metric.WithDescription("Memory nodes stored"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory_nodes counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:              meter,
		plansCreated:       plansCreated,
		plansRevised:       plansRevised,
		stepsExecuted:      stepsExecuted,
		interrupts:         interrupts,
		threadsActive:      threadsActive,
		rpcRequests:        rpcRequests,
		rpcLatency:         rpcLatency,
		breakerTransitions: breakerTransitions,
		eventsPublished:    eventsPublished,
		eventsDropped:      eventsDropped,
		memoryNodes:        memoryNodes,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordPlanCreated records a freshly produced plan and its step count
func (m *MetricsCollector) RecordPlanCreated(ctx context.Context, steps int) {
	if m.plansCreated == nil {
		return
	}
	m.plansCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int("steps", steps)))
}

// RecordReplan records a plan revision
func (m *MetricsCollector) RecordReplan(ctx context.Context) {
	if m.plansRevised == nil {
		return
	}
	m.plansRevised.Add(ctx, 1)
}

// RecordStep records one executed step with its outcome
func (m *MetricsCollector) RecordStep(ctx context.Context, outcome string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInterrupt records a raised interrupt by type
func (m *MetricsCollector) RecordInterrupt(ctx context.Context, interruptType string) {
	if m.interrupts == nil {
		return
	}
	m.interrupts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", interruptType)))
}

// IncrementActiveThreads increments the active thread gauge
func (m *MetricsCollector) IncrementActiveThreads(ctx context.Context) {
	if m.threadsActive == nil {
		return
	}
	m.threadsActive.Add(ctx, 1)
}

// DecrementActiveThreads decrements the active thread gauge
func (m *MetricsCollector) DecrementActiveThreads(ctx context.Context) {
	if m.threadsActive == nil {
		return
	}
	m.threadsActive.Add(ctx, -1)
}

// RecordRPC records one outbound RPC with its latency
func (m *MetricsCollector) RecordRPC(ctx context.Context, endpoint, result string, latency time.Duration) {
	if m.rpcRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("result", result),
	}

	m.rpcRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.rpcLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBreakerTransition records a breaker state change
func (m *MetricsCollector) RecordBreakerTransition(ctx context.Context, endpoint, from, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordEventPublished counts one published observer event
func (m *MetricsCollector) RecordEventPublished(ctx context.Context, kind string) {
	if m.eventsPublished == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordEventDropped counts one dropped observer event
func (m *MetricsCollector) RecordEventDropped(ctx context.Context, kind string) {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordMemoryNode counts one stored memory node
func (m *MetricsCollector) RecordMemoryNode(ctx context.Context, kind string, merged bool) {
	if m.memoryNodes == nil {
		return
	}
	m.memoryNodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("merged", merged),
	))
}
