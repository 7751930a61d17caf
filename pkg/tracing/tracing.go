// Package tracing sets up the OpenTelemetry tracer used by runners and the work manager.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// InstrumentationName names the tracer of this module
const InstrumentationName = "github.com/inteca/nuxeo/stream"

// Config holds tracing configuration
type Config struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	Environment  string  `yaml:"environment" json:"environment"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	// Exporter is "stdout" or "none", none keeps spans for registered processors only
	Exporter    string `yaml:"exporter" json:"exporter"`
	PrettyPrint bool   `yaml:"pretty_print" json:"pretty_print"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ServiceName:  "nuxeo-stream",
		Environment:  "development",
		SamplingRate: 1.0,
		Exporter:     "stdout",
	}
}

// Provider owns the SDK tracer provider when tracing is enabled
type Provider struct {
	sdk    *sdktrace.TracerProvider
	tracer trace.Tracer
	logger *zap.Logger
}

// Option customizes the SDK provider
type Option func(*[]sdktrace.TracerProviderOption)

// WithSpanProcessor registers an extra span processor
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(opts *[]sdktrace.TracerProviderOption) {
		*opts = append(*opts, sdktrace.WithSpanProcessor(sp))
	}
}

// NewProvider creates a tracer provider, a disabled config yields a no-op tracer
func NewProvider(config Config, logger *zap.Logger, options ...Option) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		logger.Info("Distributed tracing is disabled")
		return &Provider{tracer: Noop(), logger: logger}, nil
	}
	if config.SamplingRate < 0 || config.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate must be in [0, 1], got %v", config.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", config.ServiceName),
			attribute.String("deployment.environment", config.Environment),
		)),
	}
	switch config.Exporter {
	case "stdout", "":
		exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(os.Stdout)}
		if config.PrettyPrint {
			exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
		}
		exporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "none":
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", config.Exporter)
	}
	for _, option := range options {
		option(&opts)
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	logger.Info("Distributed tracing initialized",
		zap.String("service", config.ServiceName),
		zap.String("exporter", config.Exporter),
		zap.Float64("sampling_rate", config.SamplingRate))
	return &Provider{sdk: sdk, tracer: sdk.Tracer(InstrumentationName), logger: logger}, nil
}

// Tracer returns the tracer to start spans with
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return Noop()
	}
	return p.tracer
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	p.logger.Info("Shutting down tracing provider")
	return p.sdk.Shutdown(ctx)
}

// End finishes a span, recording err when not nil
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ContextLogger returns a logger carrying the trace and span ids of ctx, if any
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// Noop returns a tracer that records nothing
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer(InstrumentationName)
}
