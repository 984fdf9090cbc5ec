// Package telemetry installs the process-wide OpenTelemetry tracer
// provider used by the orchestrator and dispatcher spans.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vnmchuo/llm-metering/config"
	"github.com/vnmchuo/llm-metering/pkg/logger"
)

const ServiceName = "llm-metering"

const (
	AttrRateLimitBackend = attribute.Key("metering.rate_limit.backend")
	AttrDefaultProvider  = attribute.Key("metering.default_provider")
)

// InitTracer installs the global tracer provider and returns its shutdown
// function. OTEL_EXPORTER_TYPE=none leaves the no-op global provider in
// place.
func InitTracer(cfg *config.Config, log *logger.Logger) (func(), error) {
	if cfg.OTELExporterType == "none" {
		log.Infow("tracing disabled")
		return func() {}, nil
	}

	ctx := context.Background()
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(cfg.OTELSampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Infow("tracing enabled",
		"exporter", cfg.OTELExporterType, "sample_ratio", cfg.OTELSampleRatio)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("failed to shutdown tracer provider", "error", err)
		}
	}
	return shutdown, nil
}

func newExporter(ctx context.Context, cfg *config.Config) (trace.SpanExporter, error) {
	if cfg.OTELExporterType == "otlp" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTELExporterEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		return exporter, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
	}
	return exporter, nil
}

// newResource tags every span with where it ran and how the process meters.
func newResource(cfg *config.Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(ServiceName),
		semconv.DeploymentEnvironmentKey.String(cfg.AppEnv),
		AttrRateLimitBackend.String(cfg.RateLimitBackend),
	}
	if cfg.DefaultProvider != "" {
		attrs = append(attrs, AttrDefaultProvider.String(cfg.DefaultProvider))
	}
	res, err := resource.Merge(
		resource.Default(),
		// Empty schema URL so the merge never conflicts with Default().
		resource.NewWithAttributes("", attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newSampler honours the caller's sampling decision and samples root spans
// at ratio.
func newSampler(ratio float64) trace.Sampler {
	if ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}
