package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outflow/internal/infra/telemetry"
)

type dispatchMetrics struct {
	attempts     metric.Int64Counter
	deferred     metric.Int64Counter
	sendDuration metric.Float64Histogram
}

func newDispatchMetrics() *dispatchMetrics {
	meter := otel.Meter("dispatcher")
	m := new(dispatchMetrics)
	m.attempts, _ = meter.Int64Counter("dispatcher.attempts",
		metric.WithDescription("Dispatch attempts by channel and outcome"),
		metric.WithUnit("{attempt}"))
	m.deferred, _ = meter.Int64Counter("dispatcher.deferred",
		metric.WithDescription("Attempts deferred by rate limiting or blackout windows"),
		metric.WithUnit("{attempt}"))
	m.sendDuration, _ = meter.Float64Histogram("dispatcher.send.duration",
		metric.WithDescription("Latency of external sender calls"),
		metric.WithUnit("ms"))
	return m
}

func (m *dispatchMetrics) recordAttempt(ctx context.Context, channel, sequence, outcome string) {
	if m == nil || m.attempts == nil {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(), channel, sequence, outcome)
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *dispatchMetrics) recordDeferred(ctx context.Context, channel, reason string) {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrChannel.String(channel),
		telemetry.AttrReason.String(reason)))
}

func (m *dispatchMetrics) recordSendDuration(ctx context.Context, channel string, elapsed time.Duration) {
	if m == nil || m.sendDuration == nil {
		return
	}
	m.sendDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrChannel.String(channel)))
}
