// Package metrics exposes gateway state as Prometheus metrics gathered
// at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RingingCallCounter exposes the number of currently ringing calls.
type RingingCallCounter interface {
	RingingCount() int
}

// ProviderHealthEntry is the health of a single messaging provider.
type ProviderHealthEntry struct {
	ID       string
	Healthy  bool
	Failures uint64
}

// ProviderHealthProvider exposes provider health snapshots.
type ProviderHealthProvider interface {
	ProviderHealth() []ProviderHealthEntry
}

// CallDirectionCounter returns call-history counts grouped by direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// BusStatsProvider exposes event bus statistics.
type BusStatsProvider interface {
	SubscriberCount() int
	DroppedCount() uint64
}

// Collector is a prometheus.Collector that gathers gateway metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	ringing   RingingCallCounter
	providers ProviderHealthProvider
	calls     CallDirectionCounter
	bus       BusStatsProvider
	startTime time.Time

	ringingDesc          *prometheus.Desc
	providerHealthDesc   *prometheus.Desc
	providerFailuresDesc *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	busSubscribersDesc   *prometheus.Desc
	busDroppedDesc       *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	ringing RingingCallCounter,
	providers ProviderHealthProvider,
	calls CallDirectionCounter,
	bus BusStatsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		ringing:   ringing,
		providers: providers,
		calls:     calls,
		bus:       bus,
		startTime: startTime,

		ringingDesc: prometheus.NewDesc(
			"commgate_ringing_calls",
			"Number of currently ringing calls",
			nil, nil,
		),
		providerHealthDesc: prometheus.NewDesc(
			"commgate_provider_healthy",
			"Provider health (1=healthy, 0=unhealthy)",
			[]string{"provider"}, nil,
		),
		providerFailuresDesc: prometheus.NewDesc(
			"commgate_provider_failures_total",
			"Total send failures per provider",
			[]string{"provider"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"commgate_calls_total",
			"Total number of calls in the call history",
			[]string{"direction"}, nil,
		),
		busSubscribersDesc: prometheus.NewDesc(
			"commgate_bus_subscribers",
			"Number of connected event bus subscribers",
			nil, nil,
		),
		busDroppedDesc: prometheus.NewDesc(
			"commgate_bus_events_dropped_total",
			"Total events dropped for slow subscribers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"commgate_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ringingDesc
	ch <- c.providerHealthDesc
	ch <- c.providerFailuresDesc
	ch <- c.callsTotalDesc
	ch <- c.busSubscribersDesc
	ch <- c.busDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.ringing != nil {
		ch <- prometheus.MustNewConstMetric(
			c.ringingDesc, prometheus.GaugeValue,
			float64(c.ringing.RingingCount()),
		)
	}

	if c.providers != nil {
		for _, entry := range c.providers.ProviderHealth() {
			healthy := 0.0
			if entry.Healthy {
				healthy = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.providerHealthDesc, prometheus.GaugeValue, healthy, entry.ID,
			)
			ch <- prometheus.MustNewConstMetric(
				c.providerFailuresDesc, prometheus.CounterValue,
				float64(entry.Failures), entry.ID,
			)
		}
	}

	if c.calls != nil {
		counts, err := c.calls.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"incoming", "outgoing"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(
			c.busSubscribersDesc, prometheus.GaugeValue,
			float64(c.bus.SubscriberCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.busDroppedDesc, prometheus.CounterValue,
			float64(c.bus.DroppedCount()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
