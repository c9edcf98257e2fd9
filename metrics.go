package inkhub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubCollector exposes the hub's live gauges without keeping shadow
// state: every scrape reads the log, registry and router directly.
type HubCollector struct {
	hub *Hub

	logEntries     *prometheus.Desc
	logNextVersion *prometheus.Desc
	connections    *prometheus.Desc
	routerSinks    *prometheus.Desc
}

func NewHubCollector(hub *Hub) *HubCollector {
	return &HubCollector{
		hub: hub,

		logEntries: prometheus.NewDesc(
			"inkhub_oplog_entries",
			"Number of operations currently retained in the log",
			nil, nil,
		),
		logNextVersion: prometheus.NewDesc(
			"inkhub_oplog_next_version",
			"Version the next appended operation will receive",
			nil, nil,
		),
		connections: prometheus.NewDesc(
			"inkhub_connections",
			"Number of active websocket sessions",
			nil, nil,
		),
		routerSinks: prometheus.NewDesc(
			"inkhub_router_sinks",
			"Number of sinks attached to the broadcast router",
			nil, nil,
		),
	}
}

func (c *HubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.logEntries
	ch <- c.logNextVersion
	ch <- c.connections
	ch <- c.routerSinks
}

func (c *HubCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.logEntries, prometheus.GaugeValue, float64(c.hub.Log().Len()))
	ch <- prometheus.MustNewConstMetric(c.logNextVersion, prometheus.GaugeValue, float64(c.hub.Log().NextVersion()))
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.hub.ConnectionCount()))
	ch <- prometheus.MustNewConstMetric(c.routerSinks, prometheus.GaugeValue, float64(c.hub.router.Len()))
}

// RegisterMetrics registers the package counters and the hub collector
// on reg. Using a private registry keeps tests from colliding on the
// global one.
func (h *Hub) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AppendCount,
		UndoCount,
		ParticipantGauge,
		EvictionCount,
		BroadcastCount,
		DroppedFrameCount,
		NewHubCollector(h),
	)
}
