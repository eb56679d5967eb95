package core

import (
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/neighbor"
	"github.com/kestrelnet/kestreld/state"
)

// startGaugeRefresh periodically snapshots every tracked neighbor's RTT
// and sequence number into the corresponding gauges, per section 9.
func startGaugeRefresh(env *state.Env, neighbors *neighbor.Table, m *metrics.Registry) {
	env.RepeatTask(func(s *state.State) error {
		for _, rec := range neighbors.Snapshot() {
			m.NeighborRTTUs.WithLabelValues(rec.Key.IfName, rec.Key.NodeName).Set(float64(rec.RTT.Microseconds()))
			m.NeighborSeqNum.WithLabelValues(rec.Key.IfName, rec.Key.NodeName).Set(float64(rec.SeqNum))
		}
		return nil
	}, env.Config.CounterRefreshInterval)
}
