package gauntlet

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewTracerProvider creates a TracerProvider tagged with the run
// identity and installs it as the global OpenTelemetry provider, so bus
// send spans carry the run they belong to.
//
// The provider uses a SimpleSpanProcessor for immediate export without
// batching: exercise runs are short and operators want spans visible
// while the run is still in flight. The caller owns shutdown:
//
//	tp := gauntlet.NewTracerProvider(runID, exporter, logger)
//	defer tp.Shutdown(ctx)
func NewTracerProvider(runID string, exporter sdktrace.SpanExporter, logger *slog.Logger) *sdktrace.TracerProvider {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("gauntlet"),
			attribute.String("run.id", runID),
		),
	)
	if err != nil {
		logger.Warn("failed to create trace resource, using default", "error", err)
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp
}
