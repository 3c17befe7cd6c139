package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "sowcheck"

// Provider owns the tracer provider of a run. Phase spans are always logged
// at debug level and exported over OTLP/HTTP when an endpoint is configured.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// ProviderOption adds span processors to a Provider.
type ProviderOption func(*[]sdktrace.TracerProviderOption)

// WithSpanProcessor registers an extra processor, used by tests to record spans.
func WithSpanProcessor(sp sdktrace.SpanProcessor) ProviderOption {
	return func(opts *[]sdktrace.TracerProviderOption) {
		*opts = append(*opts, sdktrace.WithSpanProcessor(sp))
	}
}

// NewProvider builds a Provider. An empty endpoint disables export.
func NewProvider(ctx context.Context, endpoint string, opts ...ProviderOption) (*Provider, error) {
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSpanProcessor(logSpanProcessor{}),
	}
	if endpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	for _, opt := range opts {
		opt(&tpOpts)
	}
	return &Provider{tp: sdktrace.NewTracerProvider(tpOpts...)}, nil
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// logSpanProcessor logs every finished span.
type logSpanProcessor struct{}

func (logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{"span", s.Name(), "duration", s.EndTime().Sub(s.StartTime())}
	if s.Status().Code == codes.Error {
		attrs = append(attrs, "err", s.Status().Description)
	}
	slog.Debug("Span finished.", attrs...)
}

func (logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (logSpanProcessor) ForceFlush(context.Context) error { return nil }
