// Package observability wires OpenTelemetry tracing for the enforcement
// engine. Tracing is off by default; when enabled, spans are exported through
// the stdout trace exporter, which is enough for sidecar debugging without
// requiring a collector.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls trace setup.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OutputPath receives exported spans as JSON lines. Empty means stderr.
	OutputPath string
	SampleRate float64
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	closer   io.Closer
	logger   *slog.Logger
}

// New builds a provider. When cfg.Enabled is false the returned provider
// carries a noop tracer and Shutdown is a no-op.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("component", "observability")}

	if !cfg.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("safeai")
		return p, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "safeai"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}

	w := io.Writer(os.Stderr)
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace output %s: %w", cfg.OutputPath, err)
		}
		p.closer = f
		w = f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(p.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.tracer = p.provider.Tracer("safeai", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.logger.InfoContext(ctx, "tracing enabled", "service", cfg.ServiceName, "sample_rate", cfg.SampleRate)
	return p, nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartBoundarySpan opens a span for one boundary operation with the common
// attributes attached.
func (p *Provider) StartBoundarySpan(ctx context.Context, op, boundary, agentID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("safeai.boundary", boundary),
		attribute.String("safeai.agent_id", agentID),
	))
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	err := p.provider.Shutdown(ctx)
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
