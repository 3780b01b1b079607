// Package telemetry provides OpenTelemetry instrumentation
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	MetricsPort    int
}

// Provider manages OpenTelemetry providers
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// token-authority metrics
	grantCounter      metric.Int64Counter
	grantDuration     metric.Float64Histogram
	tokensIssued      metric.Int64Counter
	revocationCounter metric.Int64Counter
	policyDecisions   metric.Int64Counter
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	// Create resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Setup trace exporter — use TLS by default, plaintext only when OTEL_INSECURE=true
	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if strings.EqualFold(os.Getenv("OTEL_INSECURE"), "true") {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	} else {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Setup tracer provider
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Setup Prometheus exporter for metrics
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	p := &Provider{
		config:         cfg,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
	}

	// Initialize metrics
	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.grantCounter, err = p.meter.Int64Counter(
		"oauth_grants_total",
		metric.WithDescription("Total number of OAuth grant requests processed"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return err
	}

	p.grantDuration, err = p.meter.Float64Histogram(
		"oauth_grant_duration_seconds",
		metric.WithDescription("Grant processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	p.tokensIssued, err = p.meter.Int64Counter(
		"tokens_issued_total",
		metric.WithDescription("Total access tokens minted"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}

	p.revocationCounter, err = p.meter.Int64Counter(
		"tokens_revoked_total",
		metric.WithDescription("Total tokens revoked, including cascade revocations"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}

	p.policyDecisions, err = p.meter.Int64Counter(
		"policy_decisions_total",
		metric.WithDescription("Total policy decisions evaluated, by decision outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Tracer returns the tracer instance
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter instance
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown gracefully shuts down telemetry providers.
// Both tracer and meter are shut down regardless of individual failures.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// GrantMetrics records the outcome of a single OAuth grant request.
type GrantMetrics struct {
	GrantType string
	ClientID  string
	Duration  time.Duration
	Success   bool
}

// RecordGrant records metrics for a completed grant request.
func (p *Provider) RecordGrant(ctx context.Context, m GrantMetrics) {
	attrs := []attribute.KeyValue{
		attribute.String("grant_type", m.GrantType),
		attribute.Bool("success", m.Success),
	}
	p.grantCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.grantDuration.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTokenIssued increments the tokens-issued counter.
func (p *Provider) RecordTokenIssued(ctx context.Context, grantType string) {
	p.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordRevocation increments the tokens-revoked counter.
func (p *Provider) RecordRevocation(ctx context.Context, cascade bool) {
	p.revocationCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("cascade", cascade)))
}

// RecordPolicyDecision increments the policy-decisions counter by outcome.
func (p *Provider) RecordPolicyDecision(ctx context.Context, decision string) {
	p.policyDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// StartSpan starts a new span
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}
