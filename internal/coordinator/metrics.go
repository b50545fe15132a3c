package coordinator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	state        metric.Int64ObservableGauge
	leading      metric.Int64ObservableGauge
	acquisitions metric.Int64Counter
	conflicts    metric.Int64Counter
	losses       metric.Int64Counter
	standDowns   metric.Int64Counter
	transitions  metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger, c *Coordinator) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/chargeq/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.state, err = meter.Int64ObservableGauge(
		"chargeq.coordinator.state",
		metric.WithDescription("Current coordinator state"),
	)
	logMetricInitError(logger, "chargeq.coordinator.state", err)

	m.leading, err = meter.Int64ObservableGauge(
		"chargeq.coordinator.leading",
		metric.WithDescription("1 while this instance holds both leases"),
	)
	logMetricInitError(logger, "chargeq.coordinator.leading", err)

	m.acquisitions, err = meter.Int64Counter(
		"chargeq.coordinator.acquisitions",
		metric.WithDescription("Successful lease acquisitions"),
	)
	logMetricInitError(logger, "chargeq.coordinator.acquisitions", err)

	m.conflicts, err = meter.Int64Counter(
		"chargeq.coordinator.conflicts",
		metric.WithDescription("Lease acquisitions lost to another owner"),
	)
	logMetricInitError(logger, "chargeq.coordinator.conflicts", err)

	m.losses, err = meter.Int64Counter(
		"chargeq.coordinator.lease_losses",
		metric.WithDescription("Times leadership was lost"),
	)
	logMetricInitError(logger, "chargeq.coordinator.lease_losses", err)

	m.standDowns, err = meter.Int64Counter(
		"chargeq.coordinator.stand_downs",
		metric.WithDescription("Voluntary stand-downs"),
	)
	logMetricInitError(logger, "chargeq.coordinator.stand_downs", err)

	m.transitions, err = meter.Int64Counter(
		"chargeq.coordinator.transition",
		metric.WithDescription("Coordinator state transitions"),
	)
	logMetricInitError(logger, "chargeq.coordinator.transition", err)

	if m.state != nil && m.leading != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if c == nil {
				return nil
			}
			attrs := metric.WithAttributes(attribute.String("chargeq.owner", c.OwnerID()))
			o.ObserveInt64(m.state, int64(c.State()), attrs)
			leading := int64(0)
			if c.IsLeading() {
				leading = 1
			}
			o.ObserveInt64(m.leading, leading, attrs)
			return nil
		}, m.state, m.leading); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "chargeq.coordinator.state", "error", err)
		}
	}
	return m
}

func (m *coordinatorMetrics) recordAcquisition(ctx context.Context, name string, reclaimed bool) {
	if m == nil || m.acquisitions == nil {
		return
	}
	m.acquisitions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("chargeq.lease", name),
		attribute.Bool("chargeq.reclaimed", reclaimed),
	))
}

func (m *coordinatorMetrics) recordConflict(ctx context.Context, name string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("chargeq.lease", name)))
}

func (m *coordinatorMetrics) recordLoss(ctx context.Context, reason string) {
	if m == nil || m.losses == nil {
		return
	}
	m.losses.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("chargeq.reason", reasonLabel(reason))))
}

func (m *coordinatorMetrics) recordStandDown(ctx context.Context, class string) {
	if m == nil || m.standDowns == nil {
		return
	}
	m.standDowns.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("chargeq.reason", reasonLabel(class))))
}

func (m *coordinatorMetrics) recordTransition(ctx context.Context, from, to State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("chargeq.from", from.String()),
		attribute.String("chargeq.to", to.String()),
	))
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
