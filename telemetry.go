package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/amidabuddha/unichat-mcp-server"

// telemetry traces each dispatched request and records the request count, error count
// and duration per method.
type telemetry struct {
	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) telemetry {
	meter := mp.Meter(instrumentationName)

	// The instruments fall back to no-ops on error, telemetry never blocks serving.
	requestCounter, _ := meter.Int64Counter(
		"mcp.server.requests",
		metric.WithDescription("Total number of MCP requests"),
		metric.WithUnit("{request}"),
	)
	errorCounter, _ := meter.Int64Counter(
		"mcp.server.errors",
		metric.WithDescription("Total number of MCP requests answered with an error"),
		metric.WithUnit("{error}"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"mcp.server.request.duration",
		metric.WithDescription("Duration of MCP requests"),
		metric.WithUnit("ms"),
	)

	return telemetry{
		tracer:          tp.Tracer(instrumentationName),
		requestCounter:  requestCounter,
		errorCounter:    errorCounter,
		requestDuration: requestDuration,
	}
}

// start opens a span for the request. The returned func ends it and records the metrics.
func (t telemetry) start(ctx context.Context, method, sessionID string) (context.Context, func(error)) {
	ctx, span := t.tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.String("mcp.session_id", sessionID),
		),
	)

	attrs := metric.WithAttributes(attribute.String("mcp.method", method))
	if t.requestCounter != nil {
		t.requestCounter.Add(ctx, 1, attrs)
	}
	startTime := time.Now()

	return ctx, func(err error) {
		defer span.End()

		if t.requestDuration != nil {
			t.requestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)
		}

		if err == nil {
			span.SetStatus(codes.Ok, "")
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var jsonErr JSONRPCError
		if errors.As(err, &jsonErr) {
			span.SetAttributes(attribute.Int("mcp.error_code", jsonErr.Code))
		}
		if t.errorCounter != nil {
			t.errorCounter.Add(ctx, 1, attrs)
		}
	}
}
