// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts observe.Event objects into OTel spans so that advance
// calls, checkpoint writes, and degraded-mode transitions are visible
// in any OpenTelemetry-compatible backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/convograph/statekit/observe"
)

const instrumentationName = "github.com/convograph/statekit"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	ctx := context.Background()
	startTime := event.Timestamp

	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("statekit.event.kind", string(event.Kind)),
	}
	if event.ThreadID != "" {
		attrs = append(attrs, attribute.String("statekit.thread.id", event.ThreadID))
	}
	if event.Namespace != "" {
		attrs = append(attrs, attribute.String("statekit.namespace", event.Namespace))
	}
	if event.CheckpointID != "" {
		attrs = append(attrs, attribute.String("statekit.checkpoint.id", event.CheckpointID))
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("statekit.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("statekit.status", string(event.Status)))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("statekit.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("statekit.duration_ms", event.DurationMs))
	}
	for key, value := range event.Attributes {
		attrs = append(attrs, attribute.String("statekit.attr."+key, fmt.Sprintf("%v", value)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, truncate(event.Error, 256))
	default:
		span.SetStatus(codes.Ok, "")
	}
	if event.Error != "" {
		span.RecordError(fmt.Errorf("%s", event.Error))
	}

	endTime := event.Timestamp
	if event.DurationMs > 0 {
		endTime = endTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	if event.Name != "" {
		return string(event.Kind) + "." + event.Name
	}
	return string(event.Kind)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
