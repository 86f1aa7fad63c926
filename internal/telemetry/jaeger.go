package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION FOR DISTRIBUTED TRACING

  Relay → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI

Spans are created everywhere through the global tracer provider. Without an
endpoint the provider stays the default no-op one, so spans cost nothing.
*/

// Options configure trace export
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // Jaeger collector URL; empty disables export
	SamplePercent  int    // 1-100
}

// ShutdownFunc flushes pending spans
type ShutdownFunc func(context.Context) error

// InitJaeger installs a Jaeger-backed tracer provider.
// The returned function must be called on shutdown.
func InitJaeger(opts Options) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		log.Println("  Tracing export disabled (JAEGER_ENDPOINT not set)")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Not merged with resource.Default(): the SDK's schema URL differs from semconv's
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SamplePercent)),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s (sampling %d%%)", opts.Endpoint, clampPercent(opts.SamplePercent))

	return tp.Shutdown, nil
}

// sampler follows the parent's decision and samples new traces by ratio
func sampler(percent int) sdktrace.Sampler {
	percent = clampPercent(percent)
	if percent == 100 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(float64(percent) / 100))
}

func clampPercent(percent int) int {
	switch {
	case percent <= 0:
		return 100
	case percent > 100:
		return 100
	default:
		return percent
	}
}
