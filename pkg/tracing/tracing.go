// Package tracing wires optional OpenTelemetry tracing. Disabled by
// default; when enabled, spans are exported over OTLP/HTTP to the
// configured endpoint.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config for the tracer provider.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Environment string
}

// Provider owns the tracer lifecycle.
type Provider struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	logger   *logrus.Logger
}

// NewProvider sets up tracing. With tracing disabled it returns a provider
// backed by a no-op tracer, so call sites never branch.
func NewProvider(ctx context.Context, cfg Config, logger *logrus.Logger) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cassandra-cdc-replicator"
	}

	if !cfg.Enabled {
		return &Provider{
			tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName),
			logger: logger,
		}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	logger.WithField("endpoint", cfg.Endpoint).Info("Tracing enabled")

	return &Provider{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
		logger:   logger,
	}, nil
}

// Tracer returns the tracer for span creation.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) {
	if p.provider == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.provider.Shutdown(shutdownCtx); err != nil {
		p.logger.WithError(err).Warn("Tracer shutdown failed")
	}
}
