package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type options struct {
	writer      io.Writer
	version     string
	sampleRatio float64
	pretty      bool
}

type Option func(*options)

// WithWriter sends spans to w instead of stdout
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithVersion tags every span with service.version
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithSampleRatio samples a fraction of root spans; children follow their parent
func WithSampleRatio(r float64) Option {
	return func(o *options) { o.sampleRatio = r }
}

// WithCompactOutput writes one span per line
func WithCompactOutput() Option {
	return func(o *options) { o.pretty = false }
}

// InitTracer installs a stdout-exporting tracer provider as the global
// provider and returns its shutdown function.
func InitTracer(serviceName string, opts ...Option) (func(context.Context) error, error) {
	o := options{writer: os.Stdout, sampleRatio: 1, pretty: true}
	for _, opt := range opts {
		opt(&o)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(o.writer)}
	if o.pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.version))
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(resource.NewSchemaless(attrs...)),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(o.sampleRatio))),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
