package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "analytics-query-client",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with instruments shaped
// around one logical query's retry/attempt lifecycle.
type Metrics struct {
	config   *MetricsConfig
	meter    metric.Meter
	shutdown func(context.Context) error

	attemptLatency metric.Float64Histogram
	errorCounter   metric.Int64Counter
	retryCounter   metric.Int64Counter
	dnsExhausted   metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meter = sdkmetric.NewMeterProvider().Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.attemptLatency, err = m.meter.Float64Histogram(
		"analytics.attempt.latency",
		metric.WithDescription("Latency of a single analytics query HTTP attempt"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create attempt latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"analytics.errors",
		metric.WithDescription("Count of classified errors by type"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	m.retryCounter, err = m.meter.Int64Counter(
		"analytics.retries",
		metric.WithDescription("Count of retry attempts issued by the retry driver"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry counter: %w", err)
	}

	m.dnsExhausted, err = m.meter.Int64Counter(
		"analytics.dns.exhausted",
		metric.WithDescription("Count of DNS rotation pool exhaustion events"),
	)
	if err != nil {
		return fmt.Errorf("failed to create dns exhaustion counter: %w", err)
	}

	return nil
}

// RecordAttemptLatency records the latency of one HTTP attempt.
func (m *Metrics) RecordAttemptLatency(ctx context.Context, latencyMs float64, success bool) {
	if m.attemptLatency == nil {
		return
	}
	m.attemptLatency.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordError records a classified error by type.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if m.errorCounter == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_type", errorType),
	))
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry(ctx context.Context) {
	if m.retryCounter == nil {
		return
	}
	m.retryCounter.Add(ctx, 1)
}

// RecordDNSExhausted increments the DNS exhaustion counter.
func (m *Metrics) RecordDNSExhausted(ctx context.Context) {
	if m.dnsExhausted == nil {
		return
	}
	m.dnsExhausted.Add(ctx, 1)
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// NoopMetrics returns a metrics instance that records nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	return &Metrics{
		config:   cfg,
		meter:    sdkmetric.NewMeterProvider().Meter(cfg.ServiceName),
		shutdown: func(context.Context) error { return nil },
	}
}
