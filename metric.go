package eventbus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// busMetrics holds the OpenTelemetry counters of a bus. A nil *busMetrics
// records nothing.
type busMetrics struct {
	published    metric.Int64Counter
	consumed     metric.Int64Counter
	failed       metric.Int64Counter
	deadlettered metric.Int64Counter
	warnings     metric.Int64Counter
}

func newBusMetrics(name string) *busMetrics {
	meter := otel.Meter(name)
	m := &busMetrics{}
	m.published, _ = meter.Int64Counter("eventbus.published",
		metric.WithDescription("Total number of events published"))
	m.consumed, _ = meter.Int64Counter("eventbus.consumed",
		metric.WithDescription("Total number of events consumed successfully"))
	m.failed, _ = meter.Int64Counter("eventbus.failed",
		metric.WithDescription("Total number of events whose consumer failed"))
	m.deadlettered, _ = meter.Int64Counter("eventbus.deadlettered",
		metric.WithDescription("Total number of events sent to a dead-letter destination"))
	m.warnings, _ = meter.Int64Counter("eventbus.capability_warnings",
		metric.WithDescription("Total number of requests degraded by a missing transport capability"))
	return m
}

type counter int

const (
	counterPublished counter = iota
	counterConsumed
	counterFailed
	counterDeadlettered
	counterWarnings
)

func (m *busMetrics) add(ctx context.Context, c counter, n int, event string, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	var inst metric.Int64Counter
	switch c {
	case counterPublished:
		inst = m.published
	case counterConsumed:
		inst = m.consumed
	case counterFailed:
		inst = m.failed
	case counterDeadlettered:
		inst = m.deadlettered
	case counterWarnings:
		inst = m.warnings
	}
	if inst == nil {
		return
	}
	attrs = append(attrs, attribute.String("event", event))
	inst.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}
