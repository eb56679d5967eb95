package state

import (
	"net/netip"
	"time"
)

// EngineConfig is the per-node configuration supplied at startup. It is
// immutable for the lifetime of the process.
type EngineConfig struct {
	NodeName   string `yaml:"node_name"`
	DomainName string `yaml:"domain_name"`

	BindPort uint16 `yaml:"bind_port"`
	TOS      *int   `yaml:"tos,omitempty"`

	V4Enabled bool `yaml:"v4_enabled"`

	Version    uint32 `yaml:"version"`
	MinVersion uint32 `yaml:"min_version"`

	HelloInterval     time.Duration `yaml:"hello_interval"`
	FastHelloInterval time.Duration `yaml:"fast_hello_interval"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HoldTime          time.Duration `yaml:"hold_time"`
	NegotiateHold     time.Duration `yaml:"negotiate_hold"`

	KvControlPort     uint16 `yaml:"kv_control_port"`
	ThriftControlPort uint16 `yaml:"thrift_control_port"`

	CounterRefreshInterval time.Duration `yaml:"counter_refresh_interval"`
}

// AreaRule is one ordered entry of the area-assignment policy: a peer
// matches when its node name and/or the local interface name satisfy the
// given regexes. At least one of NeighborRegex/InterfaceRegex must be set.
type AreaRule struct {
	AreaID         string `yaml:"area_id"`
	NeighborRegex  string `yaml:"neighbor_regex,omitempty"`
	InterfaceRegex string `yaml:"interface_regex,omitempty"`
}

// DefaultArea is the area label used for backward compatibility with peers
// that don't support areas, and coerced to when area reconciliation allows
// it (see area.Resolver and the handshake area-reconciliation rule).
const DefaultArea = ""

// MulticastGroup is the fixed link-local multicast group all three wire
// message kinds are sent to.
var MulticastGroup = netip.MustParseAddr("ff02::1:2b")

// SrLocalMin and SrLocalMax bound the reserved segment-routing local label
// range labels are allocated from.
const (
	SrLocalMin = 9000
	SrLocalMax = 9999
)
