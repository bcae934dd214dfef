package credpool

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/turnstile/turnstile/internal/telemetry"
)

func credentialAttr(id string) attribute.KeyValue {
	return attribute.String("credential_id", id)
}

const meterName = "github.com/turnstile/turnstile/internal/credpool"

// InstrumentMetrics registers observable gauges reporting pool-wide and
// per-credential state on every OTEL collection tick. Safe to call once
// per process; the global meter provider is a no-op when telemetry.Init
// was never called with an endpoint.
func (m *Manager) InstrumentMetrics() error {
	meter := telemetry.Meter(meterName)

	available, err := meter.Int64ObservableGauge("credpool.available_count",
		metric.WithDescription("number of credentials currently available for selection"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("credpool.total_count",
		metric.WithDescription("total number of credentials in the pool"))
	if err != nil {
		return err
	}
	weight, err := meter.Int64ObservableGauge("credpool.credential_weight",
		metric.WithDescription("current selection weight per credential"))
	if err != nil {
		return err
	}
	failCount, err := meter.Int64ObservableGauge("credpool.credential_fail_count",
		metric.WithDescription("consecutive generic-failure count per credential"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		status := m.Status()
		o.ObserveInt64(available, int64(status.Available))
		o.ObserveInt64(total, int64(status.Total))
		for _, cs := range status.Credentials {
			attrs := metric.WithAttributes(credentialAttr(cs.ID))
			o.ObserveInt64(weight, int64(cs.Weight), attrs)
			o.ObserveInt64(failCount, int64(cs.FailCount), attrs)
		}
		return nil
	}, available, total, weight, failCount)
	return err
}
