// Package telemetry wraps the OpenTelemetry SDK into the spans this
// service emits around its three durable operations: a storage
// transaction, an event bus delivery, and a timeout manager tick.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls Provider construction.
type Config struct {
	ServiceName   string
	Version       string
	OTLPEndpoint  string // default http://localhost:4318
	Enabled       bool
	SamplingRatio float64 // 0.0-1.0, default 1.0
	Environment   string  // default development
}

// ConfigFromEnv builds a Config from TELEMETRY_* environment variables,
// matching the defaults orchestratord ships with when none are set.
func ConfigFromEnv(serviceName, version string) Config {
	cfg := Config{
		ServiceName:   serviceName,
		Version:       version,
		Enabled:       os.Getenv("TELEMETRY_ENABLED") != "false",
		OTLPEndpoint:  os.Getenv("TELEMETRY_OTLP_ENDPOINT"),
		SamplingRatio: 1.0,
		Environment:   os.Getenv("TELEMETRY_ENVIRONMENT"),
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "http://localhost:4318"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if ratio := os.Getenv("TELEMETRY_SAMPLING_RATIO"); ratio != "" {
		if parsed, err := strconv.ParseFloat(ratio, 64); err == nil {
			cfg.SamplingRatio = parsed
		}
	}
	return cfg
}

// Provider owns the process-wide TracerProvider and the tracer this
// package's span helpers use.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds and installs a Provider as the global tracer
// provider. A disabled Config returns (nil, nil): every span helper below
// treats a nil *Provider as a no-op, so callers never need to branch on
// whether telemetry is enabled.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(stripProtocol(cfg.OTLPEndpoint)),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/evalgo/approvalflow")}, nil
}

// Shutdown flushes and stops the provider, bounded to 5 seconds. Safe to
// call on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// StartTx opens a span around a storage transaction, tagged with the
// workflow id it touches. Pass "" when the transaction isn't scoped to a
// single workflow (e.g. a batch scan).
func (p *Provider) StartTx(ctx context.Context, name, workflowID string) (context.Context, trace.Span) {
	return p.start(ctx, "storage.tx."+name, attribute.String("workflow.id", workflowID))
}

// StartDeliver opens a span around one subscriber's handling of a bus
// event.
func (p *Provider) StartDeliver(ctx context.Context, eventType, workflowID string) (context.Context, trace.Span) {
	return p.start(ctx, "eventbus.deliver",
		attribute.String("event.type", eventType),
		attribute.String("workflow.id", workflowID))
}

// StartTick opens a span around one timeoutmgr scan pass.
func (p *Provider) StartTick(ctx context.Context) (context.Context, trace.Span) {
	return p.start(ctx, "timeoutmgr.tick")
}

func (p *Provider) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span (if any) and closes it. Safe to call with a
// no-op span from a nil Provider.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// LogFields returns the trace/span id pair for the active span in ctx, for
// attaching to a logrus.Entry so log lines and traces correlate.
func LogFields(ctx context.Context) logrus.Fields {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logrus.Fields{}
	}
	return logrus.Fields{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}
}

func stripProtocol(endpoint string) string {
	const httpPrefix, httpsPrefix = "http://", "https://"
	if len(endpoint) > len(httpPrefix) && endpoint[:len(httpPrefix)] == httpPrefix {
		return endpoint[len(httpPrefix):]
	}
	if len(endpoint) > len(httpsPrefix) && endpoint[:len(httpsPrefix)] == httpsPrefix {
		return endpoint[len(httpsPrefix):]
	}
	return endpoint
}
