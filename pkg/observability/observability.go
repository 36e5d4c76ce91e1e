// Package observability wires OpenTelemetry tracing and metrics for
// the relay. With no OTLP endpoint configured the provider is a no-op:
// every Record* helper nil-checks its instrument, so call sites never
// branch on whether telemetry is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "uam-relay"
	scopeName   = "uam.relay"
)

// Provider owns the tracer/meter providers and the relay's domain
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	routedCounter     metric.Int64Counter
	rejectedCounter   metric.Int64Counter
	routeDuration     metric.Float64Histogram
	webhookCounter    metric.Int64Counter
	federationCounter metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
}

// New builds a provider exporting to the given OTLP gRPC endpoint.
// An empty endpoint disables telemetry. An "http://" prefix (or a bare
// host:port, the local-collector case) selects a plaintext connection;
// "https://" keeps TLS.
func New(ctx context.Context, endpoint, version string, logger *slog.Logger) (*Provider, error) {
	p := &Provider{logger: logger.With(slog.String("component", "observability"))}
	if endpoint == "" {
		p.logger.Info("telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	host, insecure := splitEndpoint(endpoint)
	if err := p.initTraces(ctx, res, host, insecure); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res, host, insecure); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(version))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(version))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.Info("telemetry initialized",
		slog.String("endpoint", host), slog.Bool("insecure", insecure))
	return p, nil
}

func splitEndpoint(endpoint string) (host string, insecure bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), false
	default:
		return endpoint, true
	}
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource, host string, insecure bool) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource, host string, insecure bool) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.routedCounter, err = p.meter.Int64Counter("uam.messages.routed",
		metric.WithDescription("Messages accepted by the routing pipeline"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}
	p.rejectedCounter, err = p.meter.Int64Counter("uam.messages.rejected",
		metric.WithDescription("Messages refused by a pipeline stage"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}
	p.routeDuration, err = p.meter.Float64Histogram("uam.route.duration",
		metric.WithDescription("Routing pipeline latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return err
	}
	p.webhookCounter, err = p.meter.Int64Counter("uam.webhook.deliveries",
		metric.WithDescription("Webhook delivery attempts by outcome"),
		metric.WithUnit("{delivery}"))
	if err != nil {
		return err
	}
	p.federationCounter, err = p.meter.Int64Counter("uam.federation.forwards",
		metric.WithDescription("Federation forwards by direction and outcome"),
		metric.WithUnit("{forward}"))
	if err != nil {
		return err
	}
	p.activeSessions, err = p.meter.Int64UpDownCounter("uam.ws.sessions",
		metric.WithDescription("Live WebSocket sessions"),
		metric.WithUnit("{session}"))
	return err
}

// Tracer returns the relay tracer (global fallback when disabled).
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// StartSpan opens a span on the relay tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRouted counts an accepted message and its routing latency.
func (p *Provider) RecordRouted(ctx context.Context, outcome, msgType string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("message.type", msgType),
	)
	if p.routedCounter != nil {
		p.routedCounter.Add(ctx, 1, attrs)
	}
	if p.routeDuration != nil {
		p.routeDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordRejected counts a refusal by pipeline stage.
func (p *Provider) RecordRejected(ctx context.Context, stage string) {
	if p.rejectedCounter != nil {
		p.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordWebhook counts a webhook delivery attempt outcome.
func (p *Provider) RecordWebhook(ctx context.Context, outcome string) {
	if p.webhookCounter != nil {
		p.webhookCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordFederation counts a federation forward by direction and
// outcome.
func (p *Provider) RecordFederation(ctx context.Context, direction, outcome string) {
	if p.federationCounter != nil {
		p.federationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("outcome", outcome),
		))
	}
}

// SessionOpened and SessionClosed move the live-session gauge.
func (p *Provider) SessionOpened(ctx context.Context) {
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, 1)
	}
}

func (p *Provider) SessionClosed(ctx context.Context) {
	if p.activeSessions != nil {
		p.activeSessions.Add(ctx, -1)
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("trace provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("metric provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
