package observability

import (
	"context"
	"log"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultServiceName is the service name reported on traces.
const DefaultServiceName = "ragchat"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer = otel.GetTracerProvider().Tracer(DefaultServiceName)
)

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	// ServiceName reported on spans (default: "ragchat").
	ServiceName string `yaml:"service_name,omitempty"`
	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string `yaml:"exporter,omitempty"`
	// OTLPEndpoint is the OTLP-HTTP collector endpoint.
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
}

// InitTracing sets up the global tracer provider. With Exporter "none"
// (or empty) tracing stays on the no-op provider.
func InitTracing(cfg TracingConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		tracer = otel.GetTracerProvider().Tracer(cfg.ServiceName)
		return nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return err
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	default:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		}
		exporter, err = otlptracehttp.New(context.Background(), opts...)
	}
	if err != nil {
		return err
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	tracer = tracerProvider.Tracer(cfg.ServiceName)
	return nil
}

// StartSpan starts a span on the configured tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// ShutdownTracing flushes and stops the tracer provider.
func ShutdownTracing(ctx context.Context) {
	if tracerProvider == nil {
		return
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
	tracerProvider = nil
}
