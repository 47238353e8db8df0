// Package observability wires OpenTelemetry tracing and metrics for the TAP
// node: an ingest counter, delivery counters and latency histogram, and an
// FSM transition counter, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
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
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Enabled        bool
	Insecure       bool
	BatchTimeout   time.Duration
}

// DefaultConfig returns disabled-by-default settings for local runs.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tap-node",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider holds the tracer, meter, and the node's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	ingestCounter     metric.Int64Counter
	deliveryCounter   metric.Int64Counter
	deliveryDuration  metric.Float64Histogram
	transitionCounter metric.Int64Counter
}

// New creates a provider. With Enabled false every instrument is a no-op,
// so call sites never branch.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger}

	if !config.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("tap")
		return p, p.initInstruments(otel.Meter("tap"))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	p.tracer = p.tracerProvider.Tracer("tap")

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(p.meterProvider)

	return p, p.initInstruments(p.meterProvider.Meter("tap"))
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.ingestCounter, err = meter.Int64Counter("tap.ingest.messages",
		metric.WithDescription("Envelopes ingested, by outcome")); err != nil {
		return err
	}
	if p.deliveryCounter, err = meter.Int64Counter("tap.delivery.attempts",
		metric.WithDescription("Delivery attempts, by outcome")); err != nil {
		return err
	}
	if p.deliveryDuration, err = meter.Float64Histogram("tap.delivery.duration",
		metric.WithDescription("Delivery attempt duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.transitionCounter, err = meter.Int64Counter("tap.fsm.transitions",
		metric.WithDescription("FSM transitions, by target state")); err != nil {
		return err
	}
	return nil
}

// Tracer exposes the node tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordIngest counts one ingested envelope.
func (p *Provider) RecordIngest(ctx context.Context, outcome string) {
	p.ingestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDelivery counts one delivery attempt and its latency.
func (p *Provider) RecordDelivery(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	p.deliveryCounter.Add(ctx, 1, attrs)
	p.deliveryDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordTransition counts one FSM transition.
func (p *Provider) RecordTransition(ctx context.Context, state string) {
	p.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
