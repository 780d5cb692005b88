package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments recorded by the event store and the
// projection engine.
type Metrics struct {
	// Event store
	EventsAppended metric.Int64Counter
	AppendErrors   metric.Int64Counter
	AppendLatency  metric.Float64Histogram
	StreamMessages metric.Int64Counter

	// Projection engine
	BatchesCommitted  metric.Int64Counter
	ProjectionChanges metric.Int64Counter
	ProjectionErrors  metric.Int64Counter
	ProjectionOffset  metric.Int64Gauge
}

// NewMetrics creates all instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter(
		"eventlog.events.appended",
		metric.WithDescription("Events appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.appended: %w", err)
	}

	m.AppendErrors, err = meter.Int64Counter(
		"eventlog.append.errors",
		metric.WithDescription("Append calls that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.errors: %w", err)
	}

	m.AppendLatency, err = meter.Float64Histogram(
		"eventlog.append.duration",
		metric.WithDescription("Append round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating append.duration: %w", err)
	}

	m.StreamMessages, err = meter.Int64Counter(
		"eventlog.stream.messages",
		metric.WithDescription("Messages delivered to stream consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.messages: %w", err)
	}

	m.BatchesCommitted, err = meter.Int64Counter(
		"eventlog.projection.batches",
		metric.WithDescription("Projection batches committed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.batches: %w", err)
	}

	m.ProjectionChanges, err = meter.Int64Counter(
		"eventlog.projection.changes",
		metric.WithDescription("Row mutations applied by projections"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.changes: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"eventlog.projection.errors",
		metric.WithDescription("Projection batches that failed to commit"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionOffset, err = meter.Int64Gauge(
		"eventlog.projection.offset",
		metric.WithDescription("Last committed offset per consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.offset: %w", err)
	}

	return m, nil
}
