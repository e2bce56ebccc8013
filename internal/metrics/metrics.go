// Package metrics exposes orchestrator state as prometheus metrics,
// gathered at scrape time from the live stores.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/callflux/callflux/internal/trunk"
)

// ActiveCallsProvider exposes the number of tracked calls.
type ActiveCallsProvider interface {
	Count() int
}

// TrunkStatsProvider exposes per-trunk usage and live assignment totals.
type TrunkStatsProvider interface {
	Stats() trunk.Stats
}

// QueueDepthProvider exposes the number of originations waiting to dial.
type QueueDepthProvider interface {
	PendingTotal() int
}

// PushSessionsProvider exposes the number of tracked push sessions.
type PushSessionsProvider interface {
	ActiveCount() int
}

// ChannelSessionsProvider exposes the number of live channel sessions.
type ChannelSessionsProvider interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers orchestrator metrics
// at scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls     ActiveCallsProvider
	trunks    TrunkStatsProvider
	queue     QueueDepthProvider
	pushes    PushSessionsProvider
	channels  ChannelSessionsProvider
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc     *prometheus.Desc
	channelSessionsDesc *prometheus.Desc
	pushSessionsDesc    *prometheus.Desc
	queuePendingDesc    *prometheus.Desc
	trunkUsageDesc      *prometheus.Desc
	trunkCapDesc        *prometheus.Desc
	trunksTotalDesc     *prometheus.Desc
	assignmentsDesc     *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(
	calls ActiveCallsProvider,
	trunks TrunkStatsProvider,
	queue QueueDepthProvider,
	pushes PushSessionsProvider,
	channels ChannelSessionsProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		trunks:    trunks,
		queue:     queue,
		pushes:    pushes,
		channels:  channels,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"callflux_active_calls",
			"Number of tracked calls (created through terminal)",
			nil, nil,
		),
		channelSessionsDesc: prometheus.NewDesc(
			"callflux_channel_sessions",
			"Number of live channel sessions driving dialogues",
			nil, nil,
		),
		pushSessionsDesc: prometheus.NewDesc(
			"callflux_push_sessions",
			"Number of tracked push sessions",
			nil, nil,
		),
		queuePendingDesc: prometheus.NewDesc(
			"callflux_queue_pending",
			"Originations waiting in the per-trunk dial queues",
			nil, nil,
		),
		trunkUsageDesc: prometheus.NewDesc(
			"callflux_trunk_usage",
			"Live assignments per trunk",
			[]string{"trunk_id", "verified"}, nil,
		),
		trunkCapDesc: prometheus.NewDesc(
			"callflux_trunk_usage_cap",
			"Assignment cap per trunk (-1 means unlimited)",
			[]string{"trunk_id"}, nil,
		),
		trunksTotalDesc: prometheus.NewDesc(
			"callflux_trunks_total",
			"Trunks in the current inventory",
			nil, nil,
		),
		assignmentsDesc: prometheus.NewDesc(
			"callflux_assignments_live",
			"Live trunk assignments across all tenants",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callflux_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.channelSessionsDesc
	ch <- c.pushSessionsDesc
	ch <- c.queuePendingDesc
	ch <- c.trunkUsageDesc
	ch <- c.trunkCapDesc
	ch <- c.trunksTotalDesc
	ch <- c.assignmentsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
	}

	if c.channels != nil {
		ch <- prometheus.MustNewConstMetric(
			c.channelSessionsDesc, prometheus.GaugeValue,
			float64(c.channels.Count()),
		)
	}

	if c.pushes != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pushSessionsDesc, prometheus.GaugeValue,
			float64(c.pushes.ActiveCount()),
		)
	}

	if c.queue != nil {
		ch <- prometheus.MustNewConstMetric(
			c.queuePendingDesc, prometheus.GaugeValue,
			float64(c.queue.PendingTotal()),
		)
	}

	if c.trunks != nil {
		st := c.trunks.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.trunksTotalDesc, prometheus.GaugeValue,
			float64(st.TotalTrunks),
		)
		ch <- prometheus.MustNewConstMetric(
			c.assignmentsDesc, prometheus.GaugeValue,
			float64(st.LiveAssignments),
		)
		for _, t := range st.Trunks {
			verified := "false"
			if t.Verified {
				verified = "true"
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkUsageDesc, prometheus.GaugeValue,
				float64(t.Usage), t.TrunkID, verified,
			)
			ch <- prometheus.MustNewConstMetric(
				c.trunkCapDesc, prometheus.GaugeValue,
				float64(t.Cap), t.TrunkID,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
