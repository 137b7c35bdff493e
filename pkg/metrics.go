package pkg

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and gauges shared by the device manager and
// host server. A single instance is created in cmd/qdbd and threaded
// through both components so they publish to the same registry.
type Metrics struct {
	ConnectedDevices prometheus.Gauge
	ConnectEvents    prometheus.Counter
	DisconnectEvents prometheus.Counter

	ActiveServlets      prometheus.Gauge
	AcceptedConnections prometheus.Counter
	VersionMismatches   prometheus.Counter
}

// NewMetrics creates a Metrics set and registers it with reg. Passing a nil
// Registerer is valid and yields unregistered, but still usable, metrics —
// useful in tests that don't care about scraping.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qdb_connected_devices",
			Help: "Number of USB devices currently owned by the device manager.",
		}),
		ConnectEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdb_device_connect_events_total",
			Help: "Total number of device-connected events published.",
		}),
		DisconnectEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdb_device_disconnect_events_total",
			Help: "Total number of device-disconnected events published.",
		}),
		ActiveServlets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qdb_active_servlets",
			Help: "Number of currently connected host server clients.",
		}),
		AcceptedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdb_accepted_connections_total",
			Help: "Total number of client connections accepted by the host server.",
		}),
		VersionMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdb_version_mismatches_total",
			Help: "Total number of requests rejected for protocol version mismatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectedDevices, m.ConnectEvents, m.DisconnectEvents,
			m.ActiveServlets, m.AcceptedConnections, m.VersionMismatches,
		)
	}
	return m
}
