// Package tracing exports spans from the chat backend to an OTLP collector
// over gRPC.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// serviceNamespace groups this backend's spans with the rest of the
// miuchi.chat deployment in the collector.
const serviceNamespace = "miuchi-chat"

// Options describe the collector connection and the resource identity
// stamped onto every span.
type Options struct {
	ServiceName   string
	CollectorAddr string
	// Environment is the GO_ENV value, recorded as deployment.environment.
	Environment string
	// InsecureSkipVerify disables collector certificate verification.
	// Development only; validated config warns when it is set in production.
	InsecureSkipVerify bool
}

// Init builds the OTLP exporter and installs the global tracer provider
// and W3C trace-context propagators. The returned provider must be shut
// down on exit to flush batched spans.
func Init(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	creds := credentials.NewTLS(&tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	conn, err := grpc.NewClient(opts.CollectorAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial collector: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := newResource(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// newResource names this process for the collector: service name and
// namespace plus the deployment environment, merged over the SDK defaults.
func newResource(opts Options) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceNamespace(serviceNamespace),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
}
