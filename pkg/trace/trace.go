// Package trace wires OpenTelemetry tracing and metrics for the call engine.
//
// Every call gets a root "call.session" span. Transport, audio and teardown
// spans hang off it, and the dial carries its trace context to the call
// server in the upgrade request headers.
package trace

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/voicecall/pkg/logging"
)

// TracerName is the instrumentation scope of every call span.
const TracerName = "github.com/realtime-ai/voicecall"

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvExporter     = "TRACE_EXPORTER"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvSampleRatio  = "TRACE_SAMPLING_RATE"
	EnvEnvironment  = "ENVIRONMENT"
)

// Config selects where call spans go.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter is one of ExporterNone, ExporterStdout or ExporterOTLP. With
	// ExporterNone spans are still created, so trace IDs show up in logs,
	// but nothing is exported.
	Exporter     string
	OTLPEndpoint string

	// SampleRatio is the fraction of calls traced, 0 to 1.
	SampleRatio float64
}

// DefaultConfig traces every call without exporting.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "voicecall",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		Exporter:       ExporterNone,
		OTLPEndpoint:   "localhost:4317",
		SampleRatio:    1.0,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by TRACE_EXPORTER,
// OTEL_EXPORTER_OTLP_ENDPOINT, TRACE_SAMPLING_RATE and ENVIRONMENT.
func ConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv(EnvExporter); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv(EnvSampleRatio); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("invalid %s %q: want a number between 0 and 1", EnvSampleRatio, v)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

var (
	mu       sync.Mutex
	provider *sdktrace.TracerProvider
)

// Initialize installs the global tracer provider and the W3C trace context
// propagator. It fails if called twice without Shutdown.
func Initialize(ctx context.Context, cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	if provider != nil {
		return fmt.Errorf("tracer provider already initialized")
	}

	res, err := newResource(cfg)
	if err != nil {
		return err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logging.Named("trace").Infow("tracing initialized",
		"exporter", cfg.Exporter, "sample_ratio", cfg.SampleRatio)
	return nil
}

func newExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterNone, "":
		return nil, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterOTLP:
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}
}

// newResource describes the service on top of the SDK defaults.
func newResource(cfg *Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes pending spans and removes the provider. It is a no-op
// when tracing was never initialized.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if provider == nil {
		return nil
	}
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	provider = nil
	return nil
}

// StartSpan starts a span on the call tracer. Before Initialize the global
// provider is a no-op.
func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, opts...)
}

// InjectHeaders writes the trace context of ctx into h, so the call server
// can join the caller's trace.
func InjectHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}
