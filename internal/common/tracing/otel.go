// Package tracing provides shared OTel tracer initialization for the
// control plane and dispatcher HTTP layers.
//
// Real tracing requires TracingConfig.Enabled and an OTLPEndpoint; otherwise
// a no-op tracer is used (zero overhead).
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Config mirrors config.TracingConfig without importing the config package,
// keeping this package usable from both CP and DP entrypoints.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Init configures the global tracer provider. Call once at process startup;
// subsequent calls are no-ops.
func Init(cfg Config) {
	initOnce.Do(func() {
		if !cfg.Enabled || cfg.OTLPEndpoint == "" {
			return
		}

		ctx := context.Background()

		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpointHost(cfg.OTLPEndpoint)),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return
		}

		name := cfg.ServiceName
		if name == "" {
			name = "loomrun"
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(name)),
		)
		if err != nil {
			res = resource.Default()
		}

		sdkProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tracerProvider = sdkProvider
		otel.SetTracerProvider(tracerProvider)
	})
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op until Init has configured a real
// exporter.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
