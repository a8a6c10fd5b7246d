package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics exported through a
// Prometheus registry.
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	signalsReceivedTotal  metric.Int64Counter
	signalsDroppedTotal   metric.Int64Counter
	ordersSubmittedTotal  metric.Int64Counter
	orderSubmitDuration   metric.Float64Histogram
	ruleRejectionsTotal   metric.Int64Counter
	twapExecutionsActive  metric.Int64UpDownCounter
	twapSlicesExecuted    metric.Int64Counter
	gatewayRoundTrip      metric.Float64Histogram
	queueDepth            metric.Float64Gauge
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a metrics provider. If cfg.Enabled is false,
// all recording methods become no-ops.
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter(cfg.ServiceName)

	mp := &MetricsProvider{meterProvider: meterProvider, meter: meter, registry: registry}
	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return mp, nil
}

func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	mp.signalsReceivedTotal, err = mp.meter.Int64Counter(
		"signals_received_total",
		metric.WithDescription("Total number of signals read off the ingress ring"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("signals_received_total: %w", err)
	}

	mp.signalsDroppedTotal, err = mp.meter.Int64Counter(
		"signals_dropped_total",
		metric.WithDescription("Total number of signals dropped due to ring overflow"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("signals_dropped_total: %w", err)
	}

	mp.ordersSubmittedTotal, err = mp.meter.Int64Counter(
		"orders_submitted_total",
		metric.WithDescription("Total number of orders submitted to an exchange gateway"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("orders_submitted_total: %w", err)
	}

	mp.orderSubmitDuration, err = mp.meter.Float64Histogram(
		"order_submit_duration_seconds",
		metric.WithDescription("Time from risk gate pass to gateway submit acknowledgment"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return fmt.Errorf("order_submit_duration_seconds: %w", err)
	}

	mp.ruleRejectionsTotal, err = mp.meter.Int64Counter(
		"rule_rejections_total",
		metric.WithDescription("Total number of trading rule gate rejections by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("rule_rejections_total: %w", err)
	}

	mp.twapExecutionsActive, err = mp.meter.Int64UpDownCounter(
		"twap_executions_active",
		metric.WithDescription("Number of TWAP executions currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("twap_executions_active: %w", err)
	}

	mp.twapSlicesExecuted, err = mp.meter.Int64Counter(
		"twap_slices_executed_total",
		metric.WithDescription("Total number of TWAP slices converted into child orders"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("twap_slices_executed_total: %w", err)
	}

	mp.gatewayRoundTrip, err = mp.meter.Float64Histogram(
		"gateway_round_trip_seconds",
		metric.WithDescription("Exchange gateway request round-trip time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5),
	)
	if err != nil {
		return fmt.Errorf("gateway_round_trip_seconds: %w", err)
	}

	mp.queueDepth, err = mp.meter.Float64Gauge(
		"queue_depth",
		metric.WithDescription("Current depth of an internal queue, by queue name"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("queue_depth: %w", err)
	}

	return nil
}

// RecordSignalReceived increments the ingress signal counter.
func (mp *MetricsProvider) RecordSignalReceived(ctx context.Context, symbol string) {
	if mp.signalsReceivedTotal == nil {
		return
	}
	mp.signalsReceivedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordSignalDropped increments the ring-overflow drop counter.
func (mp *MetricsProvider) RecordSignalDropped(ctx context.Context) {
	if mp.signalsDroppedTotal == nil {
		return
	}
	mp.signalsDroppedTotal.Add(ctx, 1)
}

// RecordOrderSubmitted records a gateway submission and its latency.
func (mp *MetricsProvider) RecordOrderSubmitted(ctx context.Context, symbol, side string, duration time.Duration) {
	if mp.ordersSubmittedTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("symbol", symbol), attribute.String("side", side)}
	mp.ordersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.orderSubmitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRuleRejection increments the rejection counter for a rule result.
func (mp *MetricsProvider) RecordRuleRejection(ctx context.Context, result string) {
	if mp.ruleRejectionsTotal == nil {
		return
	}
	mp.ruleRejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// IncrementTWAPExecutions adjusts the active TWAP execution gauge.
func (mp *MetricsProvider) IncrementTWAPExecutions(ctx context.Context) {
	if mp.twapExecutionsActive == nil {
		return
	}
	mp.twapExecutionsActive.Add(ctx, 1)
}

// DecrementTWAPExecutions adjusts the active TWAP execution gauge.
func (mp *MetricsProvider) DecrementTWAPExecutions(ctx context.Context) {
	if mp.twapExecutionsActive == nil {
		return
	}
	mp.twapExecutionsActive.Add(ctx, -1)
}

// RecordTWAPSlice increments the slice-executed counter.
func (mp *MetricsProvider) RecordTWAPSlice(ctx context.Context, symbol string) {
	if mp.twapSlicesExecuted == nil {
		return
	}
	mp.twapSlicesExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// RecordGatewayRoundTrip records a gateway request's latency.
func (mp *MetricsProvider) RecordGatewayRoundTrip(ctx context.Context, exchange, op string, duration time.Duration) {
	if mp.gatewayRoundTrip == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("exchange", exchange), attribute.String("op", op)}
	mp.gatewayRoundTrip.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpdateQueueDepth records a queue's current depth.
func (mp *MetricsProvider) UpdateQueueDepth(ctx context.Context, queueName string, depth float64) {
	if mp.queueDepth == nil {
		return
	}
	mp.queueDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("queue", queueName)))
}

// StartMetricsServer serves /metrics for Prometheus scraping.
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return server.ListenAndServe()
}

// Shutdown flushes and stops the meter provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
