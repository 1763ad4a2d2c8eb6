package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/creditgate"
)

// Metrics holds the metric instruments of the metering core.
type Metrics struct {
	// Rejections by reason (rate_limited, spend_cap_exceeded, ...)
	RejectionsTotal metric.Int64Counter

	// Ledger metrics
	LedgerEntriesTotal   metric.Int64Counter
	SpendMicrosTotal     metric.Int64Counter
	AdminSpendTotal      metric.Int64Counter
	ReservationsTotal    metric.Int64Counter
	InconsistenciesTotal metric.Int64Counter

	// Pricing metrics
	GenerationDuration  metric.Float64Histogram
	CatalogFetchesTotal metric.Int64Counter

	// Sweeper
	SweptTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RejectionsTotal, _ = meter.Int64Counter(
		"creditgate.rejections.total",
		metric.WithDescription("Total number of rejected requests by reason"),
		metric.WithUnit("{request}"),
	)

	m.LedgerEntriesTotal, _ = meter.Int64Counter(
		"creditgate.ledger.entries.total",
		metric.WithDescription("Total number of ledger entries appended by reason"),
		metric.WithUnit("{entry}"),
	)

	m.SpendMicrosTotal, _ = meter.Int64Counter(
		"creditgate.spend.micros.total",
		metric.WithDescription("Gross spend counted toward daily caps"),
		metric.WithUnit("uUSD"),
	)

	m.AdminSpendTotal, _ = meter.Int64Counter(
		"creditgate.spend.admin.micros.total",
		metric.WithDescription("Spend by admin sessions that bypassed the daily cap"),
		metric.WithUnit("uUSD"),
	)

	m.ReservationsTotal, _ = meter.Int64Counter(
		"creditgate.reservations.total",
		metric.WithDescription("Total number of reservation state transitions"),
		metric.WithUnit("{reservation}"),
	)

	m.InconsistenciesTotal, _ = meter.Int64Counter(
		"creditgate.ledger.inconsistencies.total",
		metric.WithDescription("Sessions whose cached balance disagrees with the ledger"),
		metric.WithUnit("{session}"),
	)

	m.GenerationDuration, _ = meter.Float64Histogram(
		"creditgate.generation.duration",
		metric.WithDescription("Reported generation durations"),
		metric.WithUnit("ms"),
	)

	m.CatalogFetchesTotal, _ = meter.Int64Counter(
		"creditgate.catalog.fetches.total",
		metric.WithDescription("Pricing catalog fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)

	m.SweptTotal, _ = meter.Int64Counter(
		"creditgate.sweeper.removed.total",
		metric.WithDescription("Records released or removed by the TTL sweep"),
		metric.WithUnit("{record}"),
	)

	return m
}
