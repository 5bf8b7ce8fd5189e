// Package metrics wires the Prometheus collectors named in SPEC_FULL
// §2.2/§9: a Pong-RTT histogram, an active-connections gauge, and a bans
// counter. Grounded on heminetwork's tbc.go use of prometheus/client_golang
// (a registered-collector-set-per-subsystem shape) — consulted pack
// material, since heminetwork itself has no go.mod and could not be the
// teacher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "p2pcore"

// Collectors bundles every metric the connection manager records. The core
// only registers these against a prometheus.Registerer; it never starts an
// HTTP listener itself (that is cmd/p2pcored's job, per §4.2's supplement).
type Collectors struct {
	PongRTT            prometheus.Histogram
	ActiveConnections  prometheus.Gauge
	Bans               *prometheus.CounterVec
	InboundRejected    prometheus.Counter
	HandshakeFailures  prometheus.Counter
}

// New constructs an unregistered Collectors set.
func New() *Collectors {
	return &Collectors{
		PongRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pong_rtt_seconds",
			Help:      "Round-trip time between a Ping and its matching Pong.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of established ConnectionActor sessions.",
		}),
		Bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_bans_total",
			Help:      "Peers banned, by reason kind.",
		}, []string{"reason"}),
		InboundRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_capacity_total",
			Help:      "Inbound connections rejected for being over capacity.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connection attempts and sessions that ended in ConnectionFailed or ConnectionLost.",
		}),
	}
}

// Register adds every collector to reg. Safe to call once per process.
func (c *Collectors) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.PongRTT, c.ActiveConnections, c.Bans, c.InboundRejected, c.HandshakeFailures,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// ObservePongRTT implements peer.Metrics.
func (c *Collectors) ObservePongRTT(d time.Duration) {
	c.PongRTT.Observe(d.Seconds())
}

// RecordBan increments the bans counter for the given reason kind name.
func (c *Collectors) RecordBan(reasonKind string) {
	c.Bans.WithLabelValues(reasonKind).Inc()
}

// SetActiveConnections sets the active-connections gauge to n.
func (c *Collectors) SetActiveConnections(n int) {
	c.ActiveConnections.Set(float64(n))
}
