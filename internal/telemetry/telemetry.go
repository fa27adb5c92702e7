// Package telemetry sets up OpenTelemetry trace export. Disabled by default;
// when off, the global tracer provider stays a no-op and span creation is
// free.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/tinyclawhq/tinyclaw"

// Options configures the OTLP HTTP exporter.
type Options struct {
	Enabled     bool
	Endpoint    string // host:port, e.g. "localhost:4318"
	Insecure    bool
	ServiceName string // defaults to "tinyclaw"
}

// Setup installs the global tracer provider. The returned shutdown flushes
// pending spans; it is non-nil even when telemetry is disabled.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	service := opts.ServiceName
	if service == "" {
		service = "tinyclaw"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	expOpts := []otlptracehttp.Option{}
	if opts.Endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		expOpts = append(expOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("telemetry enabled", "endpoint", opts.Endpoint, "service", service)

	return tp.Shutdown, nil
}

// Tracer returns the daemon's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a child span with string attributes given as alternating
// key/value pairs.
func StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}
