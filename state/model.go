package state

import (
	"net/netip"
	"time"

	"github.com/kestrelnet/kestreld/fsm"
	"github.com/kestrelnet/kestreld/rtt"
)

// Interface is a tracked, eligible interface: up, carrying a v6 link-local
// address, and (when v4 is enabled) an IPv4 address. It exclusively owns
// its hello and heartbeat transmit timers.
type Interface struct {
	IfName  string
	IfIndex int

	V4Addr *netip.Prefix // nil when v4 is disabled or absent
	V6LinkLocal netip.Prefix

	TrackedSince time.Time

	HelloTimer     TimerSlot
	HeartbeatTimer TimerSlot

	// FastInitUntil is the end of the post-add fast-hello window during
	// which hellos go out every FastHelloInterval with SolicitResponse set.
	FastInitUntil time.Time

	// Active is the set of node names currently in an active (post
	// HANDSHAKE_RCVD) adjacency on this interface.
	Active map[string]bool
}

// InFastInit reports whether now is still within the post-add fast-hello
// window.
func (i *Interface) InFastInit(now time.Time) bool {
	return now.Before(i.FastInitUntil)
}

// NeighborKey uniquely identifies a NeighborRecord.
type NeighborKey struct {
	IfName   string
	NodeName string
}

// Capabilities are the transport addresses and control ports a peer
// advertises in its handshake.
type Capabilities struct {
	V4Addr     netip.Addr
	V6Addr     netip.Addr
	KvPort     uint16
	ThriftPort uint16
}

// NeighborRecord is the per-(ifName, nodeName) adjacency record: identity,
// liveness state machine and timers, RTT measurement, and capabilities.
type NeighborRecord struct {
	Key NeighborKey

	DomainName   string
	RemoteIfName string
	Area         string
	Label        uint32

	SeqNum uint32
	State  fsm.State

	NegotiateTx         TimerSlot
	NegotiateHold       TimerSlot
	HeartbeatHold       TimerSlot
	GracefulRestartHold TimerSlot

	RTT       time.Duration
	RTTLatest time.Duration
	Step      rtt.StepDetector

	// NegotiatedHoldTime/NegotiatedGRTime are the max(mine, peer's) values
	// agreed during handshake (section 4.3 step 6); zero until then, in
	// which case callers fall back to the static configured hold time.
	NegotiatedHoldTime time.Duration
	NegotiatedGRTime   time.Duration

	Caps Capabilities

	// NeighborSentUs/LocalRecvUs are the last reflected-timing timestamps:
	// the peer's send time and our local receive time for its most recent
	// message, echoed back to it so it can compute RTT without a
	// synchronized clock.
	NeighborSentUs int64
	LocalRecvUs    int64
}

// InterfaceSnapshot is one interface's reported state in an
// InterfaceDatabase snapshot from the link-monitor.
type InterfaceSnapshot struct {
	IsUp     bool
	IfIndex  int
	Networks []netip.Prefix
}

// InterfaceDatabase is a full snapshot of all interfaces on the local
// node, as supplied by the (external) link-monitor.
type InterfaceDatabase struct {
	OwnerNodeName string
	Interfaces    map[string]InterfaceSnapshot
}

// EventType enumerates the adjacency events the engine emits.
type EventType int

const (
	EventUp EventType = iota
	EventDown
	EventRestarting
	EventRestarted
	EventRttChange
)

func (e EventType) String() string {
	switch e {
	case EventUp:
		return "UP"
	case EventDown:
		return "DOWN"
	case EventRestarting:
		return "RESTARTING"
	case EventRestarted:
		return "RESTARTED"
	case EventRttChange:
		return "RTT_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// NeighborIdentity is the identity+capability payload carried on a
// NeighborEvent.
type NeighborIdentity struct {
	DomainName   string
	NodeName     string
	RemoteIfName string
	Caps         Capabilities
}

// NeighborEvent is one record on the engine's output event stream.
type NeighborEvent struct {
	Type   EventType
	IfName string

	Neighbor NeighborIdentity

	RttUs                    int64
	Label                    uint32
	SupportFloodOptimization bool
	Area                     string
}
