// Package metrics exposes the counters and gauges the session core
// accumulates as it runs: verification outcomes, fault rates, ratchet
// rotations, and keep-alive traffic.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric this module emits under one
// prometheus.Registerer so a host can mount them under a single
// /metrics endpoint without reaching into package internals.
type Registry struct {
	SessionsVerified prometheus.Counter
	SessionsFailed   prometheus.Counter
	ReplayFaults     prometheus.Counter
	AuthFaults       prometheus.Counter
	Rotations        *prometheus.CounterVec
	KeepalivesSent   prometheus.Counter
	KeepalivesRecv   prometheus.Counter
	ActivePeers      prometheus.Gauge
}

// New creates and registers every metric against reg. Passing
// prometheus.NewRegistry() keeps a test's metrics isolated from the
// global default registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		SessionsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "sessions_verified_total",
			Help:      "Peer verification handshakes that reached the Verified state.",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "sessions_failed_total",
			Help:      "Peer verification handshakes that reached the Failed state.",
		}),
		ReplayFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "replay_faults_total",
			Help:      "Envelopes rejected as replays by the ratchet's replay window.",
		}),
		AuthFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "auth_faults_total",
			Help:      "Envelopes rejected for a signature or AEAD tag mismatch.",
		}),
		Rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "dh_rotations_total",
			Help:      "DH keypair rotations performed, labeled by trigger.",
		}, []string{"trigger"}), // "active" or "passive"
		KeepalivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "keepalives_sent_total",
			Help:      "Keep-alive control frames sent to peers.",
		}),
		KeepalivesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ratchetmesh",
			Name:      "keepalives_received_total",
			Help:      "Keep-alive control frames received from peers.",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratchetmesh",
			Name:      "active_peers",
			Help:      "Number of peers currently past verification.",
		}),
	}

	reg.MustRegister(
		r.SessionsVerified,
		r.SessionsFailed,
		r.ReplayFaults,
		r.AuthFaults,
		r.Rotations,
		r.KeepalivesSent,
		r.KeepalivesRecv,
		r.ActivePeers,
	)

	return r
}

// RotationTrigger names the two rotation paths the ratchet distinguishes.
type RotationTrigger string

const (
	RotationActive  RotationTrigger = "active"
	RotationPassive RotationTrigger = "passive"
)

// ObserveRotation increments the rotation counter for the given trigger.
func (r *Registry) ObserveRotation(trigger RotationTrigger) {
	r.Rotations.WithLabelValues(string(trigger)).Inc()
}
