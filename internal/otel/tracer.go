// Package otel provides OpenTelemetry tracing and metrics for the
// analytics query client, shaped around one logical query's attempt and
// retry lifecycle. Both are no-op by default; callers opt in by passing an
// enabled Config to NewTracer/NewMetrics.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType defines the type of exporter backing a Tracer or Metrics.
type ExporterType string

const (
	// ExporterNone disables export (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout exports to stdout (useful for debugging).
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// Config holds configuration for the tracer.
type Config struct {
	// Enabled controls whether tracing is active. Default: false (no-op).
	Enabled bool

	// ServiceName attributes spans to a service.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// SampleRate is the sampling rate (0.0 to 1.0). Default: 1.0 (sample all).
	SampleRate float64

	// Attributes are additional attributes added to all spans.
	Attributes map[string]string
}

// DefaultConfig returns a default configuration with tracing disabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      false,
		ServiceName:  "analytics-query-client",
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

// Tracer emits one span per query attempt. The zero-exporter form wraps the
// no-op provider, so it is always safe to call.
type Tracer struct {
	config   *Config
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewTracer creates a Tracer for the given configuration. A disabled config
// yields a no-op tracer.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return &Tracer{
			config:   cfg,
			tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	return &Tracer{
		config:   cfg,
		tracer:   tp.Tracer(cfg.ServiceName),
		shutdown: tp.Shutdown,
	}, nil
}

func newTraceExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// newResource is shared by the tracer and metrics providers.
func newResource(serviceName, serviceVersion string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Shutdown flushes any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether tracing is enabled.
func (t *Tracer) Enabled() bool {
	return t.config.Enabled && t.config.ExporterType != ExporterNone
}

// AttemptSpanOptions carries the attributes attached to one retry attempt's span.
type AttemptSpanOptions struct {
	ClientContextID string
	Attempt         int
	Address         string
	Path            string
}

// StartAttemptSpan starts a span covering a single HTTP attempt of a logical query.
func (t *Tracer) StartAttemptSpan(ctx context.Context, opts AttemptSpanOptions) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("analytics.client_context_id", opts.ClientContextID),
		attribute.Int("analytics.attempt", opts.Attempt),
		attribute.String("analytics.path", opts.Path),
	}
	if opts.Address != "" {
		attrs = append(attrs, attribute.String("analytics.address", opts.Address))
	}

	return t.tracer.Start(ctx, "analytics.attempt",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// RecordError records an error on the span along with its shape. The retry
// verdict is not known at span scope; the retry driver's metrics carry it.
func RecordError(span trace.Span, err error, errorType string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("error.type", errorType))
}

// RecordRetry records a retry decision on the span.
func RecordRetry(span trace.Span, attempt int, reason string) {
	if span == nil {
		return
	}
	span.AddEvent("retry",
		trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.String("retry.reason", reason),
		),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{
		config:   DefaultConfig(),
		tracer:   noop.NewTracerProvider().Tracer("analytics-query-client"),
		shutdown: func(context.Context) error { return nil },
	}
}
