// Package metrics exposes the sync core's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	QueueDepth     prometheus.Gauge
	SyncItemsTotal *prometheus.CounterVec
	SyncPassTotal  *prometheus.CounterVec
	Online         prometheus.Gauge

	GatewayRequestsTotal *prometheus.CounterVec
	RevalidationsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors on the default registry.
// Double registration returns the existing collector, so repeated
// construction in tests is harmless.
func New() *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhirsync_queue_depth",
			Help: "Number of mutations pending sync",
		}),
		SyncItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsync_sync_items_total",
			Help: "Queue items processed, by outcome",
		}, []string{"outcome"}),
		SyncPassTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsync_sync_passes_total",
			Help: "Queue drain passes, by result",
		}, []string{"result"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fhirsync_online",
			Help: "1 when the remote endpoint is considered reachable",
		}),
		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsync_gateway_requests_total",
			Help: "Gateway requests, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		RevalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhirsync_gateway_revalidations_total",
			Help: "Background revalidations, by result",
		}, []string{"result"}),
	}

	m.QueueDepth = registerOrGet(m.QueueDepth).(prometheus.Gauge)
	m.SyncItemsTotal = registerOrGet(m.SyncItemsTotal).(*prometheus.CounterVec)
	m.SyncPassTotal = registerOrGet(m.SyncPassTotal).(*prometheus.CounterVec)
	m.Online = registerOrGet(m.Online).(prometheus.Gauge)
	m.GatewayRequestsTotal = registerOrGet(m.GatewayRequestsTotal).(*prometheus.CounterVec)
	m.RevalidationsTotal = registerOrGet(m.RevalidationsTotal).(*prometheus.CounterVec)
	return m
}

// registerOrGet tries to register a metric, returning the existing
// collector when it is already registered.
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
