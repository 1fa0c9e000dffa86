// Package metrics provides Prometheus metrics for lanmesh.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the mesh.
type Metrics struct {
	// Discovery metrics
	DevicesDiscovered prometheus.Counter
	KnownDevices      prometheus.Gauge

	// Connection metrics
	ConnectedPeers prometheus.Gauge
	InboundClients prometheus.Gauge
	PeersExhausted prometheus.Counter
	HeartbeatsSeen prometheus.Counter

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	RequestRetries   prometheus.Counter
	RequestTimeouts  prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered on a
// private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.DevicesDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lanmesh_devices_discovered_total",
		Help: "Total number of discovery announcements accepted",
	})

	m.KnownDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lanmesh_known_devices",
		Help: "Number of devices in the directory",
	})

	m.ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lanmesh_connected_peers",
		Help: "Number of established outbound peer links",
	})

	m.InboundClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lanmesh_inbound_clients",
		Help: "Number of accepted inbound peer connections",
	})

	m.PeersExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lanmesh_peers_exhausted_total",
		Help: "Total number of peer links that spent their reconnect budget",
	})

	m.HeartbeatsSeen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lanmesh_heartbeats_seen_total",
		Help: "Total number of heartbeat requests answered",
	})

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lanmesh_requests_total",
			Help: "Total number of outbound requests by outcome",
		},
		[]string{"action", "outcome"},
	)

	m.RequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lanmesh_requests_in_flight",
		Help: "Number of tracked requests awaiting a response",
	})

	m.RequestRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lanmesh_request_retries_total",
		Help: "Total number of request resends",
	})

	m.RequestTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lanmesh_request_timeouts_total",
		Help: "Total number of requests that exhausted their retries",
	})

	m.registry.MustRegister(
		m.DevicesDiscovered,
		m.KnownDevices,
		m.ConnectedPeers,
		m.InboundClients,
		m.PeersExhausted,
		m.HeartbeatsSeen,
		m.RequestsTotal,
		m.RequestsInFlight,
		m.RequestRetries,
		m.RequestTimeouts,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
