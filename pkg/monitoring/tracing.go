package monitoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Exporter       TracingExporter
	Endpoint       string
	Insecure       bool
	SamplingRatio  float64
	BatchTimeout   time.Duration

	// Output receives stdout exporter spans. Defaults to os.Stdout.
	Output io.Writer
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "dbcored",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// TracingManager owns the tracer provider used for database spans
type TracingManager struct {
	config   TracingConfig
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracingManager creates the exporter and tracer provider and installs
// them globally. A disabled config yields a no-op tracer.
func NewTracingManager(ctx context.Context, config TracingConfig) (*TracingManager, error) {
	if !config.Enabled {
		log.Info().Msg("Tracing disabled")
		return &TracingManager{
			config: config,
			tracer: noop.NewTracerProvider().Tracer(config.ServiceName),
		}, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
	)

	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return &TracingManager{
		config:   config,
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName, trace.WithInstrumentationVersion(config.ServiceVersion)),
	}, nil
}

func newExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case TracingExporterJaeger:
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil

	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil

	case TracingExporterStdout:
		out := config.Output
		if out == nil {
			out = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

// Tracer returns the tracer to hand to the database facade
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// Shutdown flushes pending spans and stops the exporter
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	if err := tm.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	log.Info().Msg("Tracing shut down")
	return nil
}

// Middleware wraps an HTTP handler with a server span
func (tm *TracingManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tm.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("client.address", r.RemoteAddr),
			),
		)
		defer span.End()

		ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
		if ww.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		}
	})
}

// wrappedResponseWriter wraps http.ResponseWriter to capture status code
type wrappedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
