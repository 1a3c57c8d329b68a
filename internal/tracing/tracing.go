// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Shutdown flushes and stops the provider.
type Shutdown func(ctx context.Context) error

func noOpShutdown(context.Context) error { return nil }

// Init exports spans to the Jaeger collector at endpoint and installs the provider globally.
// An empty endpoint leaves the global no-op provider in place.
func Init(serviceName, environment, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return noOpShutdown, nil
	}
	if serviceName == "" {
		return nil, errors.New("tracing: service name is required")
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	provider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(newResource(serviceName, environment)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func newResource(serviceName, environment string) *resource.Resource {
	attributes := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if environment != "" {
		attributes = append(attributes, semconv.DeploymentEnvironment(environment))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}
