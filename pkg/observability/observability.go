// Package observability provides OpenTelemetry tracing and metrics for the
// decision pipeline, plus a Prometheus registry for the /metrics endpoint.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/quorum/pkg/errorir"
)

const instrumentationName = "quorum.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "quorum",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the tracer and meter of one process. A disabled Provider
// still hands out no-op tracers so call sites need no nil checks.
type Provider struct {
	cfg    *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	logger *slog.Logger

	started  metric.Int64Counter
	failed   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// New creates a provider. With cfg.Enabled false nothing is exported.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.DebugContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	if err := p.export(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.instruments(otel.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))); err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// export installs OTLP/gRPC trace and metric pipelines as the global
// providers.
func (p *Provider) export(ctx context.Context, res *resource.Resource) error {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint)}
	if p.cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(p.cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(p.cfg.SampleRate))),
	)
	p.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(15*time.Second))),
	)

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Evaluator calls can take minutes, so the duration buckets reach past the
// default evaluator timeout.
var durationBuckets = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600}

func (p *Provider) instruments(m metric.Meter) error {
	var err error
	if p.started, err = m.Int64Counter("quorum.operations.total",
		metric.WithDescription("Pipeline operations started"),
		metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.failed, err = m.Int64Counter("quorum.errors.total",
		metric.WithDescription("Pipeline operations that returned an error, by error class"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = m.Float64Histogram("quorum.operation.duration",
		metric.WithDescription("Pipeline operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return err
	}
	p.inFlight, err = m.Int64UpDownCounter("quorum.operations.active",
		metric.WithDescription("Pipeline operations in flight"),
		metric.WithUnit("{operation}"))
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown", "error", err)
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation opens a span for one pipeline operation and records its
// count, duration and failure class. The returned function must be called
// exactly once with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	metered := p != nil && p.started != nil
	set := metric.WithAttributes(append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)...)
	if metered {
		p.inFlight.Add(ctx, 1, set)
		p.started.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if metered {
			p.inFlight.Add(ctx, -1, set)
			p.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}
		cls := string(errorir.ClassOf(err))
		if cls == "" {
			cls = "unclassified"
		}
		class := AttrErrorClass.String(cls)
		span.RecordError(err, trace.WithAttributes(class))
		span.SetStatus(codes.Error, err.Error())
		if metered {
			p.failed.Add(ctx, 1, set, metric.WithAttributes(class))
		}
	}
}
