package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outflow/internal/infra/telemetry"
)

type engineMetrics struct {
	operations metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("engine")
	m := new(engineMetrics)
	m.operations, _ = meter.Int64Counter("engine.operations",
		metric.WithDescription("Lifecycle operations by name and result"),
		metric.WithUnit("{operation}"))
	return m
}

func (e *Engine) recordOperation(ctx context.Context, operation, result string) {
	if e.metrics == nil || e.metrics.operations == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)
	e.metrics.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
