package transport

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/tacmap/tacsync/internal/transport"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// initMetrics registers the transport instruments on the global meter;
// all of them are no-ops when no provider is configured.
func (t *Transport) initMetrics() error {
	m := meter()

	var err error

	t.opsSent, err = m.Int64Counter(
		"transport.ops.sent",
		metric.WithDescription("Operations sent to peers"),
	)
	if err != nil {
		return fmt.Errorf("creating ops sent counter: %w", err)
	}

	t.reconcileRounds, err = m.Int64Counter(
		"transport.reconcile.rounds",
		metric.WithDescription("Anti-entropy rounds answered"),
	)
	if err != nil {
		return fmt.Errorf("creating reconcile counter: %w", err)
	}

	pendingGauge, err := m.Int64ObservableGauge(
		"transport.ops.pending",
		metric.WithDescription("Operations queued while no peer is reachable"),
	)
	if err != nil {
		return fmt.Errorf("creating pending gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(pendingGauge, int64(t.pending.Len()))
			return nil
		},
		pendingGauge,
	)
	if err != nil {
		return fmt.Errorf("registering pending gauge: %w", err)
	}

	return nil
}
