// Command query-probe is a thin demonstration CLI for internal/query: it
// runs one analytics SQL++ statement against a remote query service and
// prints each row and the trailing metadata, exercising the same
// Execute/Next/Metadata surface a real façade would wrap.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/analytics-query/client/internal/otel"
	"github.com/analytics-query/client/internal/query"
)

func main() {
	endpoint := flag.String("endpoint", "https://localhost:18098", "Analytics service base URL")
	statement := flag.String("statement", "SELECT 1", "SQL++ statement to execute")
	username := flag.String("username", "", "Basic-auth username")
	password := flag.String("password", "", "Basic-auth password")
	insecureSkipVerify := flag.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (testing only)")
	queryTimeout := flag.Duration("query-timeout", 75*time.Second, "Overall deadline budget for the query")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "Per-attempt socket connect timeout")
	maxRetries := flag.Int("max-retries", 7, "Maximum retry attempts after the first")
	priority := flag.Bool("priority", false, "Send the request with Analytics-Priority: -1")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	otelExporter := flag.String("otel-exporter", "none", "Telemetry exporter: none, stdout, otlp-grpc, otlp-http")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP endpoint for otlp-grpc/otlp-http exporters")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, shutdownTelemetry, err := setupTelemetry(ctx, logger, *otelExporter, *otelEndpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query-probe: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTelemetry()

	if err := run(ctx, obs, *endpoint, *statement, *username, *password, *insecureSkipVerify, *queryTimeout, *connectTimeout, *maxRetries, *priority); err != nil {
		fmt.Fprintf(os.Stderr, "query-probe: %v\n", err)
		os.Exit(1)
	}
}

// setupTelemetry builds the tracer/metrics pair for the chosen exporter. The
// default "none" resolves to the no-op providers, so the probe stays silent
// unless telemetry is asked for.
func setupTelemetry(ctx context.Context, logger *slog.Logger, exporter, endpoint string) (query.Observability, func(), error) {
	obs := query.Observability{Logger: logger}
	if exporter == "" || exporter == string(otel.ExporterNone) {
		return obs, func() {}, nil
	}

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      true,
		ServiceName:  "query-probe",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
		SampleRate:   1.0,
	})
	if err != nil {
		return obs, nil, fmt.Errorf("setup tracer: %w", err)
	}
	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      true,
		ServiceName:  "query-probe",
		ExporterType: otel.ExporterType(exporter),
		OTLPEndpoint: endpoint,
		OTLPInsecure: true,
	})
	if err != nil {
		return obs, nil, fmt.Errorf("setup metrics: %w", err)
	}

	obs.Tracer = tracer
	obs.Metrics = metrics
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	return obs, shutdown, nil
}

func run(
	ctx context.Context,
	obs query.Observability,
	endpoint, statement, username, password string,
	insecureSkipVerify bool,
	queryTimeout, connectTimeout time.Duration,
	maxRetries int,
	priority bool,
) error {
	var tlsConfig *tls.Config
	if insecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	transport := query.NewHTTPTransport(tlsConfig, connectTimeout)
	defer transport.Close()

	cfg := query.Config{
		Endpoint:         endpoint,
		Credentials:      query.Credentials{Username: username, Password: password},
		ConnectTimeout:   connectTimeout,
		QueryTimeout:     queryTimeout,
		MaxRetryAttempts: maxRetries,
		Transport:        transport,
	}
	req := query.QueryRequest{
		Statement: statement,
		Priority:  priority,
	}

	result, err := query.Execute(ctx, cfg, req, obs)
	if err != nil {
		return fmt.Errorf("execute query: %w", err)
	}
	defer result.Cancel()

	rows := 0
	for {
		row, err := result.Next(ctx)
		if query.IsEndOfStream(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("stream rows: %w", err)
		}
		rows++
		fmt.Println(string(row))
	}

	if md, ok := result.Metadata(); ok {
		fmt.Fprintf(os.Stderr, "request_id=%s rows=%d elapsed_ms=%.3f execution_ms=%.3f warnings=%d\n",
			md.RequestID, rows, md.Metrics.ElapsedTimeMs, md.Metrics.ExecutionTimeMs, len(md.Warnings))
	}

	return nil
}
