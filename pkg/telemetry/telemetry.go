// Package telemetry provides OpenTelemetry tracing and metrics for pipeline
// stages and flag evaluation.
//
// Telemetry is off by default. When enabled with an OTLP endpoint, traces and
// metrics are exported over gRPC; tests and embedders can instead pass their
// own metric reader and span exporter.
package telemetry

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
)

const instrumentationName = "surveyscreen"

// Metric names.
const (
	MetricOperations = "surveyscreen.operations.total"
	MetricErrors     = "surveyscreen.errors.total"
	MetricDuration   = "surveyscreen.operation.duration"
	MetricActive     = "surveyscreen.operations.active"
	MetricFlagged    = "surveyscreen.rows.flagged"
)

// Attribute keys shared by callers.
const (
	AttrStage  = attribute.Key("surveyscreen.stage")
	AttrFlag   = attribute.Key("surveyscreen.flag")
	AttrMethod = attribute.Key("surveyscreen.method")
	AttrRunID  = attribute.Key("surveyscreen.run_id")
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	SampleRate     float64       `yaml:"sample_rate"`   // 0.0 to 1.0
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

// DefaultConfig returns the defaults: disabled, sampling everything when on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "surveyscreen",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Option customizes a Provider.
type Option func(*options)

type options struct {
	reader       sdkmetric.Reader
	spanExporter sdktrace.SpanExporter
	logger       *slog.Logger
}

// WithMetricReader records metrics into reader instead of the OTLP exporter.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *options) { o.reader = reader }
}

// WithSpanExporter sends spans to exporter instead of the OTLP exporter.
func WithSpanExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exporter }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	flagged    metric.Int64Counter
}

// Disabled returns a provider that records nothing.
func Disabled() *Provider {
	return &Provider{config: DefaultConfig(), logger: slog.Default().With("component", "telemetry")}
}

// New creates a provider. With Enabled false and no injected reader or
// exporter it behaves like Disabled.
func New(ctx context.Context, config *Config, opts ...Option) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	p := &Provider{
		config: config,
		logger: o.logger.With("component", "telemetry"),
	}

	injected := o.reader != nil || o.spanExporter != nil
	if !config.Enabled && !injected {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res, o.spanExporter); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res, o.reader); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	// Injected pipelines stay local; exported ones become the globals.
	if !injected {
		otel.SetTracerProvider(p.tracerProvider)
		otel.SetMeterProvider(p.meterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = p.meterProvider.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"local", injected,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource, exporter sdktrace.SpanExporter) error {
	var processor sdktrace.SpanProcessor
	if exporter != nil {
		processor = sdktrace.NewSimpleSpanProcessor(exporter)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		otlp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		processor = sdktrace.NewBatchSpanProcessor(otlp, sdktrace.WithBatchTimeout(p.config.BatchTimeout))
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sampler),
	)
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource, reader sdkmetric.Reader) error {
	if reader == nil {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.operations, err = p.meter.Int64Counter(MetricOperations,
		metric.WithDescription("Stages and flag evaluations started"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.errors, err = p.meter.Int64Counter(MetricErrors,
		metric.WithDescription("Failed stages and flag evaluations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = p.meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.active, err = p.meter.Int64UpDownCounter(MetricActive,
		metric.WithDescription("Operations in progress"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	p.flagged, err = p.meter.Int64Counter(MetricFlagged,
		metric.WithDescription("Rows a flag evaluated to true"),
		metric.WithUnit("{row}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordFlagged adds the number of rows a flag evaluated to true.
func (p *Provider) RecordFlagged(ctx context.Context, flag, method string, rows int64) {
	if p == nil || p.flagged == nil {
		return
	}
	p.flagged.Add(ctx, rows, metric.WithAttributes(AttrFlag.String(flag), AttrMethod.String(method)))
}

func (p *Provider) recordError(ctx context.Context, err error, attrs []attribute.KeyValue) {
	if p.errors == nil {
		return
	}
	all := append(append([]attribute.KeyValue(nil), attrs...), attribute.String("error.type", fmt.Sprintf("%T", err)))
	p.errors.Add(ctx, 1, metric.WithAttributes(all...))
}

// TrackOperation starts a span and the operation metrics. The returned
// function ends both and must be called exactly once with the outcome.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p == nil {
		return ctx, func(err error) {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
	}

	set := metric.WithAttributes(attrs...)
	if p.active != nil {
		p.active.Add(ctx, 1, set)
	}
	if p.operations != nil {
		p.operations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p.active != nil {
			p.active.Add(ctx, -1, set)
		}
		if p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err != nil {
			span.RecordError(err)
			p.recordError(ctx, err, attrs)
		}
		span.End()
	}
}
