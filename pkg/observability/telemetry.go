// Package observability provides OpenTelemetry metrics and tracing for the
// event log with backend-agnostic configuration. Exporters are pluggable;
// when none are configured, every instrument degrades to a no-op.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the telemetry stack.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporter is the pluggable span exporter (OTLP, stdout, ...).
	// Nil disables tracing.
	TraceExporter sdktrace.SpanExporter

	// TraceSampleRate is the fraction of traces sampled, 0.0 to 1.0.
	TraceSampleRate float64

	// MetricReader is the pluggable metric reader (Prometheus, OTLP,
	// manual, ...). Nil disables metrics.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the initialized providers and instruments.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown func(context.Context) error
}

// Init initializes OpenTelemetry. Missing exporters disable the
// corresponding signal rather than failing.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tel := &Telemetry{Logger: cfg.Logger}
	var shutdowns []func(context.Context) error

	if cfg.TraceExporter != nil {
		sampler := sdktrace.AlwaysSample()
		if cfg.TraceSampleRate <= 0 {
			sampler = sdktrace.NeverSample()
		} else if cfg.TraceSampleRate < 1.0 {
			sampler = sdktrace.TraceIDRatioBased(cfg.TraceSampleRate)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler),
		)
		tel.TracerProvider = tp
		shutdowns = append(shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
	} else {
		tel.TracerProvider = noop.NewTracerProvider()
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter("eventlog"))
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
		shutdowns = append(shutdowns, mp.Shutdown)
		otel.SetMeterProvider(mp)
	} else {
		mp := sdkmetric.NewMeterProvider()
		metrics, err := NewMetrics(mp.Meter("eventlog"))
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		tel.MeterProvider = mp
		tel.Metrics = metrics
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tel.shutdown = func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown: %v", errs)
		}
		return nil
	}

	return tel, nil
}

// Shutdown flushes and stops all providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
