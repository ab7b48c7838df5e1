// Package observability wires the OpenTelemetry tracer provider and
// the W3C trace context propagator.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingOptions selects the exporter and sampling for the gateway's
// spans.
type TracingOptions struct {
	// Exporter is "none" or "stdout".
	Exporter string
	// SampleRatio is the head sampling ratio in [0, 1]. Children follow
	// their parent's decision.
	SampleRatio float64
	// Version is stamped on the service resource.
	Version string
}

// Setup installs the global tracer provider and propagator and returns
// the gateway tracer plus a shutdown func flushing pending spans. The
// W3C propagator is installed even with the "none" exporter, so trace
// context still flows through to upstreams.
func Setup(opts TracingOptions) (trace.Tracer, func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	switch opts.Exporter {
	case "", "none":
		return noop.NewTracerProvider().Tracer("gatewarden"), func(context.Context) error { return nil }, nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("creating stdout exporter: %w", err)
		}

		res := resource.NewSchemaless(
			attribute.String("service.name", "gatewarden"),
			attribute.String("service.version", opts.Version),
		)
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		)
		otel.SetTracerProvider(provider)
		return provider.Tracer("gatewarden"), provider.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown tracing exporter %q", opts.Exporter)
	}
}
