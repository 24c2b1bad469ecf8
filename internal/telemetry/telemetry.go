package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options describe the process on every exported span and metric.
type Options struct {
	ServiceName string
	Version     string
	// InstanceID tells replicas apart, e.g. a serve process from the relay
	// that delivers its records. A UUIDv7 is generated when empty.
	InstanceID string
}

// Provider owns the trace and metric providers until Shutdown.
type Provider struct {
	tp   *sdktrace.TracerProvider
	mp   *sdkmetric.MeterProvider
	name string
}

// Init registers OTLP gRPC exporters as the global providers. The exporters
// read OTEL_EXPORTER_OTLP_ENDPOINT themselves.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating metric exporter: %w", err), traceExporter.Shutdown(ctx))
	}

	p := newProvider(res, opts.ServiceName,
		sdktrace.WithBatcher(traceExporter),
		sdkmetric.NewPeriodicReader(metricExporter),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	// Only the http transport carries W3C trace context headers.
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return p, nil
}

func newResource(ctx context.Context, opts Options) (*resource.Resource, error) {
	id := opts.InstanceID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating instance id: %w", err)
		}
		id = u.String()
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
			semconv.ServiceInstanceID(id),
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}
	return res, nil
}

func newProvider(res *resource.Resource, name string, spans sdktrace.TracerProviderOption, reader sdkmetric.Reader) *Provider {
	return &Provider{
		tp:   sdktrace.NewTracerProvider(spans, sdktrace.WithResource(res)),
		mp:   sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)),
		name: name,
	}
}

// Tracer returns the tracer watched statements and tool calls start spans on.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(p.name)
}

// Shutdown flushes both providers. Both are shut down even if one fails.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down tracer: %w", err))
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down meter: %w", err))
	}
	return errors.Join(errs...)
}

// NoopTracer returns a tracer that does nothing (for when OTel is disabled).
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("noop")
}
