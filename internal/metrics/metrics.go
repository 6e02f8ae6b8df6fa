// Package metrics holds the OpenTelemetry instruments shared by the stages.
// Exporting is left to whatever MeterProvider is installed globally.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "ecrecv"

type Metrics struct {
	Completions metric.Int64Counter
	Duplicates  metric.Int64Counter
	Validations metric.Int64Counter
	Retries     metric.Int64Counter
	Terminal    metric.Int64Counter
	Deliveries  metric.Int64Counter
	Faults      metric.Int64Counter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Completions, "ecrecv.transfers.completed", "Transfers whose byte ranges covered the file"},
		{&m.Duplicates, "ecrecv.transfers.duplicates", "Completion signals for already completed transfers"},
		{&m.Validations, "ecrecv.validations", "Validation results by outcome"},
		{&m.Retries, "ecrecv.retries", "Retries scheduled"},
		{&m.Terminal, "ecrecv.failures.terminal", "Transfers that failed terminally"},
		{&m.Deliveries, "ecrecv.deliveries", "Files handed to downstream consumers"},
		{&m.Faults, "ecrecv.channel.faults", "Messages a lane could not accept in time"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Noop returns instruments that record nothing, for tests and tools.
func Noop() *Metrics {
	m, _ := NewWithMeter(noop.NewMeterProvider().Meter(meterName))
	return m
}

// Count adds one to c.
func Count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
