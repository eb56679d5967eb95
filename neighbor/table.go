// Package neighbor implements the per-(interface, peer) adjacency table:
// the hello/handshake/heartbeat handlers and timer-expiry logic of section
// 4.3, driving each record's fsm.State and publishing adjacency events.
package neighbor

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/kestrelnet/kestreld/area"
	"github.com/kestrelnet/kestreld/events"
	"github.com/kestrelnet/kestreld/fsm"
	"github.com/kestrelnet/kestreld/label"
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/rtt"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/wire"
)

// IfaceView is the read-only slice of the interface table the neighbor
// table needs. Satisfied structurally by *iface.Table; declared here
// (rather than imported from iface) so this package never depends on
// iface, keeping the dependency graph one-directional.
type IfaceView interface {
	Tracked(ifName string) bool
	IfIndex(ifName string) (int, bool)
	FastInit(ifName string, now time.Time) bool
	LocalCaps(ifName string) (v4, v6 netip.Addr, ok bool)
	V4Network(ifName string) (netip.Prefix, bool)
	SetActive(ifName, nodeName string, active bool)
}

// Sender is the transmit half of the transceiver, as needed by the
// neighbor table to send immediate hello and handshake replies.
type Sender interface {
	Send(ifName string, env *wire.Envelope) error
}

// Table is the single, flat (ifName, nodeName)-keyed set of neighbor
// records, registered as a state.Module. All methods are called on the
// main loop goroutine via Env.Dispatch.
type Table struct {
	env      *state.Env
	iface    IfaceView
	resolver *area.Resolver
	labels   *label.Allocator
	metrics  *metrics.Registry
	events   *events.Publisher
	sender   Sender

	records map[state.NeighborKey]*state.NeighborRecord
}

// New constructs a Table. resolver, labels, metrics, and events must all
// outlive the Table. iface and sender are wired in separately via Bind,
// once the interface table and transceiver exist: all three of Table,
// iface.Table, and transport.Transceiver depend on one another, so none
// can take the others as constructor arguments without a cycle.
func New(resolver *area.Resolver, labels *label.Allocator, m *metrics.Registry, pub *events.Publisher) *Table {
	return &Table{
		resolver: resolver,
		labels:   labels,
		metrics:  m,
		events:   pub,
		records:  make(map[state.NeighborKey]*state.NeighborRecord),
	}
}

// Bind wires the interface-table view and packet sender into the table,
// resolving the iface/neighbor/transport construction cycle. Must be
// called once, before Init.
func (t *Table) Bind(iface IfaceView, sender Sender) {
	t.iface = iface
	t.sender = sender
}

// Init implements state.Module.
func (t *Table) Init(s *state.State) error {
	t.env = s.Env
	return nil
}

// Cleanup implements state.Module: frees every allocated label.
func (t *Table) Cleanup(s *state.State) error {
	for key, rec := range t.records {
		rec.NegotiateTx.Cancel()
		rec.NegotiateHold.Cancel()
		rec.HeartbeatHold.Cancel()
		rec.GracefulRestartHold.Cancel()
		t.labels.Free(rec.Label)
		delete(t.records, key)
	}
	return nil
}

// Lookup returns the record for (ifName, nodeName), if any. Exposed for
// synchronous queries via state.DispatchWait.
func (t *Table) Lookup(ifName, nodeName string) (*state.NeighborRecord, bool) {
	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: nodeName}]
	return rec, ok
}

// Snapshot returns every currently-tracked record, for periodic gauge
// refresh (section 9).
func (t *Table) Snapshot() []*state.NeighborRecord {
	out := make([]*state.NeighborRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	return out
}

// EraseInterface drops every record on ifName without publishing events;
// the caller (iface.Table, on interface delete) is responsible for
// publishing NEIGHBOR_DOWN for adjacent peers before calling this.
func (t *Table) EraseInterface(ifName string) {
	for key, rec := range t.records {
		if key.IfName != ifName {
			continue
		}
		t.eraseRecord(rec)
	}
}

func (t *Table) eraseRecord(rec *state.NeighborRecord) {
	rec.NegotiateTx.Cancel()
	rec.NegotiateHold.Cancel()
	rec.HeartbeatHold.Cancel()
	rec.GracefulRestartHold.Cancel()
	t.labels.Free(rec.Label)
	delete(t.records, rec.Key)
}

// HelloFor builds the hello message to transmit on ifName, including the
// known-neighbor map built from every record tracked on that interface.
func (t *Table) HelloFor(s *state.State, ifName string, solicit, restarting bool) *wire.Hello {
	neighbors := make(map[string]wire.NeighborSeen)
	for key, rec := range t.records {
		if key.IfName != ifName {
			continue
		}
		neighbors[key.NodeName] = wire.NeighborSeen{
			ReflectedSeqNum:  rec.SeqNum,
			LastNbrMsgSentUs: rec.NeighborSentUs,
			LastMyMsgRcvdUs:  rec.LocalRecvUs,
		}
	}
	return &wire.Hello{
		NodeName:        t.env.Config.NodeName,
		DomainName:      t.env.Config.DomainName,
		IfName:          ifName,
		SeqNum:          s.MySeqNum,
		Version:         t.env.Config.Version,
		SentTsUs:        time.Now().UnixMicro(),
		SolicitResponse: solicit,
		Restarting:      restarting,
		Neighbors:       neighbors,
	}
}

// transmit sends env on ifName and increments mySeqNum per the transmit
// pipeline contract in section 4.2 (after every send, success or
// failure), logging rather than propagating a send error: a dropped
// packet on our own wire is a packet-level condition, not a fatal one.
func (t *Table) transmit(s *state.State, ifName string, env *wire.Envelope) {
	if err := t.sender.Send(ifName, env); err != nil {
		t.env.Log.Warn("neighbor: send failed", "if_name", ifName, "error", err)
	}
	s.MySeqNum++
}

// Dispatch routes a decoded envelope to the right handler. It is the
// Handler passed to transport.New.
func (t *Table) Dispatch(s *state.State, ifName string, src netip.Addr, env *wire.Envelope) error {
	switch {
	case env.Hello != nil:
		return t.HelloReceived(s, ifName, env.Hello, time.Now().UnixMicro())
	case env.Handshake != nil:
		return t.HandshakeReceived(s, ifName, env.Handshake)
	case env.Heartbeat != nil:
		return t.HeartbeatReceived(s, ifName, env.Heartbeat)
	default:
		return nil
	}
}

// HelloReceived implements section 4.3's hello handler.
func (t *Table) HelloReceived(s *state.State, ifName string, msg *wire.Hello, recvTimeUs int64) error {
	if !t.iface.Tracked(ifName) {
		return nil
	}

	// Sanity checks (section 4.2).
	if msg.NodeName == t.env.Config.NodeName {
		t.metrics.InvalidKeepalive.WithLabelValues(metrics.ReasonLooped).Inc()
		return nil // self-looped, silent drop
	}
	if msg.DomainName != t.env.Config.DomainName {
		t.metrics.InvalidKeepalive.WithLabelValues(metrics.ReasonDifferentDomain).Inc()
		return nil
	}
	if msg.Version < t.env.Config.MinVersion {
		t.metrics.InvalidKeepalive.WithLabelValues(metrics.ReasonInvalidVersion).Inc()
		return nil
	}

	key := state.NeighborKey{IfName: ifName, NodeName: msg.NodeName}
	rec, exists := t.records[key]
	if !exists {
		areaID, err := t.resolver.Resolve(msg.NodeName, ifName)
		if err != nil {
			return nil // no unique area match: ignore this neighbor
		}
		ifIndex, ok := t.iface.IfIndex(ifName)
		if !ok {
			return nil
		}
		lbl, err := t.labels.Allocate(ifIndex)
		if err != nil {
			return fmt.Errorf("neighbor: allocate label for %s on %s: %w", msg.NodeName, ifName, err)
		}
		rec = &state.NeighborRecord{
			Key:        key,
			DomainName: msg.DomainName,
			Area:       areaID,
			Label:      lbl,
			State:      fsm.Idle,
		}
		t.records[key] = rec
	}

	rec.NeighborSentUs = msg.SentTsUs
	rec.LocalRecvUs = recvTimeUs

	if seen, ok := msg.Neighbors[t.env.Config.NodeName]; ok {
		if sample, good := rtt.Compute(seen.LastNbrMsgSentUs, seen.LastMyMsgRcvdUs, msg.SentTsUs, recvTimeUs); good {
			rec.RTTLatest = sample
			step := rec.Step.Observe(sample)
			if rec.RTT == 0 {
				rec.RTT = sample
			} else if step {
				rec.RTT = sample
				if rec.State == fsm.Established {
					t.publishRTTChange(ifName, rec)
				}
			}
		}
	}

	if msg.SolicitResponse {
		t.transmit(s, ifName, &wire.Envelope{Hello: t.HelloFor(s, ifName, false, false)})
	}

	switch rec.State {
	case fsm.Idle:
		return t.advance(rec, fsm.HelloRcvdNoInfo)

	case fsm.Warm:
		rec.SeqNum = msg.SeqNum
		seen, sawMe := msg.Neighbors[t.env.Config.NodeName]
		if !sawMe {
			return nil
		}
		if seen.ReflectedSeqNum >= s.MySeqNum {
			// Seeing our own previous incarnation reflected back; wait for
			// the peer to catch up with our current seq.
			return nil
		}
		t.armNegotiateTx(rec, ifName)
		rec.NegotiateHold.Arm(t.env, t.env.Config.NegotiateHold, func(s *state.State) error {
			return t.negotiateTimeout(ifName, key.NodeName)
		})
		return t.advance(rec, fsm.HelloRcvdInfo)

	case fsm.Established:
		rec.SeqNum = msg.SeqNum
		if msg.Restarting {
			return t.processGR(s, ifName, rec)
		}
		if _, sawMe := msg.Neighbors[t.env.Config.NodeName]; !sawMe {
			if err := t.advance(rec, fsm.HelloRcvdNoInfo); err != nil {
				return err
			}
			t.teardown(ifName, rec, true)
			t.eraseRecord(rec)
		}
		return nil

	case fsm.Restart:
		seen, sawMe := msg.Neighbors[t.env.Config.NodeName]
		if !sawMe {
			return nil
		}
		if seen.ReflectedSeqNum <= rec.SeqNum {
			return nil // stale, let the GR timer handle it
		}
		rec.SeqNum = msg.SeqNum
		t.events.Publish(state.NeighborEvent{
			Type:   state.EventRestarted,
			IfName: ifName,
			Neighbor: state.NeighborIdentity{
				DomainName: rec.DomainName,
				NodeName:   key.NodeName,
				Caps:       rec.Caps,
			},
			RttUs: rec.RTT.Microseconds(),
			Label: rec.Label,
			Area:  rec.Area,
		})
		rec.HeartbeatHold.Arm(t.env, holdTime(rec, t.env), func(s *state.State) error {
			return t.heartbeatTimeout(ifName, key.NodeName)
		})
		rec.GracefulRestartHold.Cancel()
		return t.advance(rec, fsm.HelloRcvdInfo)
	}
	return nil
}

// armNegotiateTx (re)arms the periodic handshake-transmit timer. The timer
// owns no back-reference to rec: its closure captures only the neighbor
// key, and looks the record up again on fire.
func (t *Table) armNegotiateTx(rec *state.NeighborRecord, ifName string) {
	key := rec.Key
	rec.NegotiateTx.Arm(t.env, t.env.Config.HandshakeInterval, func(s *state.State) error {
		r, ok := t.records[key]
		if !ok || r.State != fsm.Negotiate {
			return nil
		}
		t.transmit(s, ifName, &wire.Envelope{Handshake: t.handshakeFor(r, false)})
		t.armNegotiateTx(r, ifName)
		return nil
	})
}

func (t *Table) handshakeFor(rec *state.NeighborRecord, isAdjEstablished bool) *wire.Handshake {
	v4, v6, _ := t.iface.LocalCaps(rec.Key.IfName)
	h := &wire.Handshake{
		NodeName:            t.env.Config.NodeName,
		TargetNodeName:      rec.Key.NodeName,
		IsAdjEstablished:    isAdjEstablished,
		HeartbeatHoldTimeMs: uint32(t.env.Config.HoldTime.Milliseconds()),
		GracefulRestartMs:   uint32(t.env.Config.HoldTime.Milliseconds()),
		KvControlPort:       t.env.Config.KvControlPort,
		ThriftControlPort:   t.env.Config.ThriftControlPort,
		AreaID:              rec.Area,
	}
	if v4.IsValid() {
		h.V4Addr = v4.String()
	}
	if v6.IsValid() {
		h.V6Addr = v6.String()
	}
	return h
}

// HandshakeReceived implements section 4.3's handshake handler.
func (t *Table) HandshakeReceived(s *state.State, ifName string, msg *wire.Handshake) error {
	if msg.TargetNodeName != "" && msg.TargetNodeName != t.env.Config.NodeName {
		return nil // point-to-point, not for us
	}

	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: msg.NodeName}]
	if !ok {
		return nil
	}

	if !msg.IsAdjEstablished {
		t.transmit(s, ifName, &wire.Envelope{Handshake: t.handshakeFor(rec, rec.State != fsm.Negotiate)})
	}

	// Tolerates reordering after peer graceful-restart even if already
	// ESTABLISHED.
	if rec.HeartbeatHold.Armed() {
		rec.HeartbeatHold.Arm(t.env, holdTime(rec, t.env), func(s *state.State) error {
			return t.heartbeatTimeout(ifName, rec.Key.NodeName)
		})
	}

	if rec.State != fsm.Negotiate {
		return nil
	}

	v4, v6 := parseOptionalAddr(msg.V4Addr), parseOptionalAddr(msg.V6Addr)
	rec.Caps = state.Capabilities{
		V4Addr:     v4,
		V6Addr:     v6,
		KvPort:     msg.KvControlPort,
		ThriftPort: msg.ThriftControlPort,
	}
	peerHold := time.Duration(msg.HeartbeatHoldTimeMs) * time.Millisecond
	if peerHold < t.env.Config.HoldTime {
		peerHold = t.env.Config.HoldTime
	}
	peerGR := time.Duration(msg.GracefulRestartMs) * time.Millisecond
	if peerGR < t.env.Config.HoldTime {
		peerGR = t.env.Config.HoldTime
	}
	rec.NegotiatedHoldTime = peerHold
	rec.NegotiatedGRTime = peerGR

	if t.env.Config.V4Enabled {
		if !v4.IsValid() {
			t.metrics.InvalidKeepalive.WithLabelValues(metrics.ReasonMissingV4).Inc()
			return t.negotiationFailure(rec)
		}
		network, hasNet := t.iface.V4Network(ifName)
		if !hasNet || !network.Contains(v4) {
			t.metrics.InvalidKeepalive.WithLabelValues(metrics.ReasonDifferentSubnet).Inc()
			return t.negotiationFailure(rec)
		}
	}

	if rec.Area != state.DefaultArea && msg.AreaID != state.DefaultArea {
		if rec.Area != msg.AreaID {
			return t.negotiationFailure(rec)
		}
	} else {
		rec.Area = state.DefaultArea
	}

	if err := t.advance(rec, fsm.HandshakeRcvd); err != nil {
		return err
	}
	rec.NegotiateTx.Cancel()
	rec.NegotiateHold.Cancel()
	rec.HeartbeatHold.Arm(t.env, peerHold, func(s *state.State) error {
		return t.heartbeatTimeout(ifName, rec.Key.NodeName)
	})
	t.iface.SetActive(ifName, rec.Key.NodeName, true)
	t.events.Publish(state.NeighborEvent{
		Type:   state.EventUp,
		IfName: ifName,
		Neighbor: state.NeighborIdentity{
			DomainName: rec.DomainName,
			NodeName:   rec.Key.NodeName,
			Caps:       rec.Caps,
		},
		RttUs:                    rec.RTT.Microseconds(),
		Label:                    rec.Label,
		SupportFloodOptimization: true,
		Area:                     rec.Area,
	})
	return nil
}

func (t *Table) negotiationFailure(rec *state.NeighborRecord) error {
	if err := t.advance(rec, fsm.NegotiationFailure); err != nil {
		return err
	}
	rec.NegotiateTx.Cancel()
	rec.NegotiateHold.Cancel()
	return nil
}

// HeartbeatReceived implements section 4.3's heartbeat handler.
func (t *Table) HeartbeatReceived(s *state.State, ifName string, msg *wire.Heartbeat) error {
	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: msg.NodeName}]
	if !ok || rec.State != fsm.Established {
		return nil
	}
	rec.HeartbeatHold.Arm(t.env, holdTime(rec, t.env), func(s *state.State) error {
		return t.heartbeatTimeout(ifName, rec.Key.NodeName)
	})
	return nil
}

func (t *Table) heartbeatTimeout(ifName, nodeName string) error {
	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: nodeName}]
	if !ok {
		return nil
	}
	if err := t.advance(rec, fsm.HeartbeatTimerExpire); err != nil {
		return err
	}
	t.teardown(ifName, rec, true)
	t.eraseRecord(rec)
	return nil
}

func (t *Table) negotiateTimeout(ifName, nodeName string) error {
	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: nodeName}]
	if !ok {
		return nil
	}
	if err := t.advance(rec, fsm.NegotiateTimerExpire); err != nil {
		return err
	}
	rec.NegotiateTx.Cancel()
	return nil
}

func (t *Table) grTimeout(ifName, nodeName string) error {
	rec, ok := t.records[state.NeighborKey{IfName: ifName, NodeName: nodeName}]
	if !ok {
		return nil
	}
	if err := t.advance(rec, fsm.GRTimerExpire); err != nil {
		return err
	}
	t.teardown(ifName, rec, true)
	t.eraseRecord(rec)
	return nil
}

// processGR implements the graceful-restart entry path: a hello with
// restarting=true received from an ESTABLISHED peer.
func (t *Table) processGR(s *state.State, ifName string, rec *state.NeighborRecord) error {
	t.events.Publish(state.NeighborEvent{
		Type:   state.EventRestarting,
		IfName: ifName,
		Neighbor: state.NeighborIdentity{
			DomainName: rec.DomainName,
			NodeName:   rec.Key.NodeName,
			Caps:       rec.Caps,
		},
		RttUs: rec.RTT.Microseconds(),
		Label: rec.Label,
		Area:  rec.Area,
	})
	key := rec.Key
	rec.GracefulRestartHold.Arm(t.env, grHoldTime(rec, t.env), func(s *state.State) error {
		return t.grTimeout(key.IfName, key.NodeName)
	})
	rec.HeartbeatHold.Cancel()
	return t.advance(rec, fsm.HelloRcvdRestart)
}

// teardown publishes NEIGHBOR_DOWN and removes the neighbor from the
// interface's active set. Does not erase the record; callers that no
// longer need it call eraseRecord separately.
func (t *Table) teardown(ifName string, rec *state.NeighborRecord, publish bool) {
	if publish {
		t.events.Publish(state.NeighborEvent{
			Type:   state.EventDown,
			IfName: ifName,
			Neighbor: state.NeighborIdentity{
				DomainName: rec.DomainName,
				NodeName:   rec.Key.NodeName,
				Caps:       rec.Caps,
			},
			RttUs: rec.RTT.Microseconds(),
			Label: rec.Label,
			Area:  rec.Area,
		})
	}
	t.iface.SetActive(ifName, rec.Key.NodeName, false)
}

func (t *Table) publishRTTChange(ifName string, rec *state.NeighborRecord) {
	t.events.Publish(state.NeighborEvent{
		Type:   state.EventRttChange,
		IfName: ifName,
		Neighbor: state.NeighborIdentity{
			DomainName: rec.DomainName,
			NodeName:   rec.Key.NodeName,
			Caps:       rec.Caps,
		},
		RttUs: rec.RTT.Microseconds(),
		Label: rec.Label,
		Area:  rec.Area,
	})
}

func (t *Table) advance(rec *state.NeighborRecord, ev fsm.Event) error {
	next, err := fsm.Next(rec.State, ev)
	if err != nil {
		return err
	}
	rec.State = next
	return nil
}

func holdTime(rec *state.NeighborRecord, env *state.Env) time.Duration {
	if rec.NegotiatedHoldTime > 0 {
		return rec.NegotiatedHoldTime
	}
	return env.Config.HoldTime
}

func grHoldTime(rec *state.NeighborRecord, env *state.Env) time.Duration {
	if rec.NegotiatedGRTime > 0 {
		return rec.NegotiatedGRTime
	}
	return env.Config.HoldTime
}

func parseOptionalAddr(s string) netip.Addr {
	if s == "" {
		return netip.Addr{}
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}
