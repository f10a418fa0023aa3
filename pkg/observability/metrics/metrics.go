package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/sambigeara/nectar"

// Metrics holds the instruments shared by the store, ledger and node. The
// zero value and a nil pointer are both safe to record against.
type Metrics struct {
	accepted        metric.Int64Counter
	rejected        metric.Int64Counter
	expired         metric.Int64Counter
	persistFailures metric.Int64Counter
	dropped         metric.Int64Counter
}

func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.accepted, err = meter.Int64Counter("nectar.store.accepted",
		metric.WithDescription("Store operations that changed state")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("nectar.store.rejected",
		metric.WithDescription("Store operations refused by admission control")); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("nectar.store.expired",
		metric.WithDescription("Records evicted by the TTL sweep")); err != nil {
		return nil, err
	}
	if m.persistFailures, err = meter.Int64Counter("nectar.ledger.persist_failures",
		metric.WithDescription("Sequence ledger writes that failed")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("nectar.node.dropped",
		metric.WithDescription("Inbound messages dropped before reaching the store")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Accepted(op string) {
	if m == nil || m.accepted == nil {
		return
	}
	m.accepted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) Rejected(op, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) Expired(n int) {
	if m == nil || m.expired == nil || n == 0 {
		return
	}
	m.expired.Add(context.Background(), int64(n))
}

func (m *Metrics) PersistFailed() {
	if m == nil || m.persistFailures == nil {
		return
	}
	m.persistFailures.Add(context.Background(), 1)
}

func (m *Metrics) Dropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
