// Package metrics exposes the engine's named counters as Prometheus
// collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps the engine's counters. A fresh Registry should be
// constructed per-process and its collectors registered with whatever
// prometheus.Registerer the embedding service uses.
type Registry struct {
	InvalidKeepalive *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	Packets          *prometheus.CounterVec
	NeighborRTTUs    *prometheus.GaugeVec
	NeighborSeqNum   *prometheus.GaugeVec
}

// New constructs a Registry with all collectors defined but unregistered.
func New() *Registry {
	return &Registry{
		InvalidKeepalive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestreld_invalid_keepalive_total",
			Help: "Hellos/handshakes dropped by sanity or subnet validation, by reason.",
		}, []string{"reason"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestreld_dropped_packets_total",
			Help: "Packet-level drops before dispatch, by reason.",
		}, []string{"reason"}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestreld_packets_total",
			Help: "Packets by direction and outcome.",
		}, []string{"direction", "outcome"}),
		NeighborRTTUs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestreld_neighbor_rtt_us",
			Help: "Last measured RTT to each neighbor, in microseconds.",
		}, []string{"if_name", "node_name"}),
		NeighborSeqNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kestreld_neighbor_seqnum",
			Help: "Last learned sequence number for each neighbor.",
		}, []string{"if_name", "node_name"}),
	}
}

// MustRegister registers every collector with reg, panicking on collision
// (mirrors prometheus.MustRegister's own contract).
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(r.InvalidKeepalive, r.Dropped, r.Packets, r.NeighborRTTUs, r.NeighborSeqNum)
}

// Reasons for the InvalidKeepalive counter, per section 6.
const (
	ReasonDifferentDomain = "different_domain"
	ReasonInvalidVersion  = "invalid_version"
	ReasonMissingV4       = "missing_v4"
	ReasonDifferentSubnet = "different_subnet"
	ReasonLooped          = "looped"
)

// Reasons for the Dropped counter: packet-level failures caught before a
// message is dispatched to the neighbor table.
const (
	ReasonHopLimitRejected  = "hop_limit_rejected"
	ReasonUnknownInterface  = "unknown_interface"
	ReasonRateLimited       = "rate_limited"
	ReasonDeserializeFailed = "deserialize_failed"
)

// Directions and outcomes for the Packets counter.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	OutcomeOK      = "ok"
	OutcomeDropped = "dropped"
)
