// Package tracing bootstraps OpenTelemetry for the load monitor. Stage
// activity periods and drain sessions are recorded as spans.
package tracing

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultServiceName = "load-progress"
	tracerName         = "github.com/konveyor/load-progress"
)

// Attribute keys shared by the sequencer and drain spans.
const (
	StageNameKey  = attribute.Key("stage.name")
	StageIndexKey = attribute.Key("stage.index")
	StageCountKey = attribute.Key("stage.count")
	SessionIDKey  = attribute.Key("drain.session_id")
	BatchSizeKey  = attribute.Key("drain.batch_size")
)

type Options struct {
	EnableJaeger   bool
	JaegerEndpoint string
	// ServiceName defaults to DefaultServiceName.
	ServiceName string
}

func newJaegerExporter(endpoint string) (tracesdk.SpanExporter, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)),
	)
	if err != nil {
		return nil, err
	}
	return exp, nil
}

// InitTracerProvider installs a global tracer provider. Spans are only
// exported when Jaeger is enabled.
func InitTracerProvider(log logr.Logger, o Options) (*tracesdk.TracerProvider, error) {
	serviceName := o.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	tracerOptions := []tracesdk.TracerProviderOption{
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	}
	if o.EnableJaeger {
		exp, err := newJaegerExporter(o.JaegerEndpoint)
		if err != nil {
			log.Error(err, "failed to create jaeger exporter", "endpoint", o.JaegerEndpoint)
			return nil, err
		}
		tracerOptions = append(tracerOptions, tracesdk.WithBatcher(exp))
		log.V(3).Info("exporting traces to jaeger", "endpoint", o.JaegerEndpoint)
	}

	tp := tracesdk.NewTracerProvider(tracerOptions...)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func Shutdown(ctx context.Context, log logr.Logger, tp *tracesdk.TracerProvider) {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		log.Error(err, "error shutting down tracer provider")
	}
}

// StartNewSpan starts a span on the global tracer provider.
func StartNewSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}
