// Package traces provides OpenTelemetry tracing for the arbitration service.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/acal-network/arbitro"

// Init installs the OTLP tracer provider. An empty endpoint leaves the
// global no-op provider in place. The returned function flushes spans.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("arbitro"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span under the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func OrderID(id string) attribute.KeyValue {
	return attribute.String("order.id", id)
}

func Verdict(v int) attribute.KeyValue {
	return attribute.Int("order.verdict", v)
}

func Trigger(t string) attribute.KeyValue {
	return attribute.String("resolution.trigger", t)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("resolution.outcome", o)
}

func TxHash(h string) attribute.KeyValue {
	return attribute.String("tx.hash", h)
}

func BlockRange(from, to uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("block.from", int64(from)), // #nosec G115 -- block numbers fit int64
		attribute.Int64("block.to", int64(to)),     // #nosec G115
	}
}
