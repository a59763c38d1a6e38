package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics counts the daemon's front-door operations.
type metrics struct {
	allocations metric.Int64Counter
	heartbeats  metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("broker/daemon")

	allocations, err := meter.Int64Counter("broker.allocations",
		metric.WithDescription("Allocation requests served"))
	if err != nil {
		return nil, err
	}
	heartbeats, err := meter.Int64Counter("broker.heartbeats",
		metric.WithDescription("Agent heartbeats processed"))
	if err != nil {
		return nil, err
	}

	return &metrics{allocations: allocations, heartbeats: heartbeats}, nil
}

func outcome(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("outcome", "error")
	}
	return attribute.String("outcome", "ok")
}

func (m *metrics) recordAllocation(ctx context.Context, err error) {
	m.allocations.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}

func (m *metrics) recordHeartbeat(ctx context.Context, err error) {
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(outcome(err)))
}
