// Package telemetry builds the OpenTelemetry tracer provider MCP Guard
// exports spans through, grounded on the teacher's
// internal/observability.TracingManager but trimmed to provider
// construction and shutdown — span creation itself lives at the call
// site (internal/httpapi's traceContext middleware) via the global
// otel.Tracer, not through a manager method.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"
)

// Config controls whether and where spans are exported.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SampleRatio    float64 // fraction of traces sampled, 0..1
}

// Provider owns the SDK tracer provider's lifecycle. A disabled Provider
// leaves the global otel tracer as the no-op default.
type Provider struct {
	sdk     *sdktrace.TracerProvider
	enabled bool
}

// New configures the global TracerProvider and text map propagator per
// cfg. When cfg.Enabled is false it returns a no-op Provider and leaves
// the global otel defaults untouched, so every otel.Tracer(...) call
// elsewhere in the codebase degrades to a no-op span without any
// conditional logic at the call site.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info("telemetry: OTLP tracing enabled",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", ratio))

	return &Provider{sdk: provider, enabled: true}, nil
}

// Shutdown flushes pending spans and releases the exporter. Safe to call
// on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
