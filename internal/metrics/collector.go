// Package metrics exposes Prometheus collectors for the relay data
// path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "goneon"
	subsystem = "relay"
)

// labelReason classifies dropped packets.
const labelReason = "reason"

// Collector holds the relay's Prometheus metrics. It satisfies the
// relay package's MetricsReporter interface.
//
// Counters cover the data path (received/forwarded/dropped volumes and
// peer timeouts); gauges track the current table sizes.
type Collector struct {
	// PacketsReceived counts decoded datagrams entering the dispatch.
	PacketsReceived prometheus.Counter

	// PacketsForwarded counts datagrams routed to a destination peer.
	PacketsForwarded prometheus.Counter

	// PacketsDropped counts datagrams dropped, labeled by reason
	// (malformed, unknown_session, unknown_sender, no_destination,
	// no_pending, send_failed).
	PacketsDropped *prometheus.CounterVec

	// PeerTimeouts counts peers evicted by the aging sweep.
	PeerTimeouts prometheus.Counter

	// Sessions tracks the number of active sessions.
	Sessions prometheus.Gauge

	// Peers tracks the number of peers across all sessions.
	Peers prometheus.Gauge
}

// NewCollector creates a Collector with all relay metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics carry the "goneon_relay_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PacketsReceived,
		c.PacketsForwarded,
		c.PacketsDropped,
		c.PeerTimeouts,
		c.Sessions,
		c.Peers,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total datagrams decoded and dispatched.",
		}),

		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_forwarded_total",
			Help:      "Total datagrams routed to a destination peer.",
		}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped, by reason.",
		}, []string{labelReason}),

		PeerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_timeouts_total",
			Help:      "Total peers evicted by the aging sweep.",
		}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently active sessions.",
		}),

		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of peers across all sessions, hosts included.",
		}),
	}
}

// PacketReceived increments the received counter.
func (c *Collector) PacketReceived() {
	c.PacketsReceived.Inc()
}

// PacketForwarded increments the forwarded counter.
func (c *Collector) PacketForwarded() {
	c.PacketsForwarded.Inc()
}

// PacketDropped increments the dropped counter for reason.
func (c *Collector) PacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// PeerTimedOut increments the timeout counter.
func (c *Collector) PeerTimedOut() {
	c.PeerTimeouts.Inc()
}

// SetSessions updates the active-session gauge.
func (c *Collector) SetSessions(n int) {
	c.Sessions.Set(float64(n))
}

// SetPeers updates the peer gauge.
func (c *Collector) SetPeers(n int) {
	c.Peers.Set(float64(n))
}
