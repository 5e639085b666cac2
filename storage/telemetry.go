package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
)

// Telemetry wraps backend operations in spans and records their count and latency.
// A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	backend string
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// NewTelemetry returns telemetry for backend, or nil when inst is nil
func NewTelemetry(backend string, inst *instrumentation.Instrumentation) *Telemetry {
	if inst == nil {
		return nil
	}
	return &Telemetry{
		backend: backend,
		inst:    inst,
		tracer:  inst.Tracer("storage"),
	}
}

// Start opens a span for operation
func (t *Telemetry) Start(ctx context.Context, operation string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, t.backend)
	return ctx, span
}

// Finish sets the span status and records the operation. ErrNotFound is not a failure.
func (t *Telemetry) Finish(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if t == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case errors.Is(err, ErrNotFound):
		result = "not_found"
		instrumentation.SetSpanSuccess(span)
	default:
		result = "error"
		instrumentation.RecordError(span, err)
	}

	durationMs := float64(time.Since(start).Milliseconds())
	t.inst.Metrics().RecordStorageOperation(ctx, t.backend, operation, result, durationMs)
}

// RegisterSize reports size through the storage size gauge
func (t *Telemetry) RegisterSize(size instrumentation.SizeCallback) error {
	if t == nil {
		return nil
	}
	return t.inst.RegisterStorageSizeCallback(t.backend, size)
}
