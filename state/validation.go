package state

import (
	"fmt"
	"regexp"
)

// EngineConfigValidator enforces the fatal-on-startup preconditions from
// the error-handling design: hold time must be at least 3x the relevant
// keepalive interval, and no interval may be zero.
func EngineConfigValidator(cfg *EngineConfig) error {
	if cfg.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if cfg.DomainName == "" {
		return fmt.Errorf("domain_name must not be empty")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if cfg.HoldTime <= 0 {
		return fmt.Errorf("hold_time must be positive")
	}
	if cfg.HoldTime < 3*cfg.HeartbeatInterval {
		return fmt.Errorf("hold_time (%s) must be at least 3x heartbeat_interval (%s)", cfg.HoldTime, cfg.HeartbeatInterval)
	}
	if cfg.HelloInterval <= 0 {
		return fmt.Errorf("hello_interval must be positive")
	}
	if cfg.FastHelloInterval <= 0 {
		return fmt.Errorf("fast_hello_interval must be positive")
	}
	if cfg.HandshakeInterval <= 0 {
		return fmt.Errorf("handshake_interval must be positive")
	}
	if cfg.CounterRefreshInterval <= 0 {
		return fmt.Errorf("counter_refresh_interval must be positive")
	}
	if cfg.NegotiateHold < 3*cfg.HandshakeInterval {
		return fmt.Errorf("negotiate_hold (%s) must be at least 3x handshake_interval (%s)", cfg.NegotiateHold, cfg.HandshakeInterval)
	}
	if cfg.Version < cfg.MinVersion {
		return fmt.Errorf("version (%d) must be >= min_version (%d)", cfg.Version, cfg.MinVersion)
	}
	return nil
}

// AreaRulesValidator checks every rule compiles to a valid, non-empty
// anchored regex and has at least one of its two match fields set.
func AreaRulesValidator(rules []AreaRule) error {
	for i, r := range rules {
		if r.AreaID == "" {
			return fmt.Errorf("area rule %d: area_id must not be empty", i)
		}
		if r.NeighborRegex == "" && r.InterfaceRegex == "" {
			return fmt.Errorf("area rule %d: at least one of neighbor_regex/interface_regex is required", i)
		}
		if r.NeighborRegex != "" {
			if _, err := regexp.Compile("(?i)^(?:" + r.NeighborRegex + ")$"); err != nil {
				return fmt.Errorf("area rule %d: invalid neighbor_regex: %w", i, err)
			}
		}
		if r.InterfaceRegex != "" {
			if _, err := regexp.Compile("(?i)^(?:" + r.InterfaceRegex + ")$"); err != nil {
				return fmt.Errorf("area rule %d: invalid interface_regex: %w", i, err)
			}
		}
	}
	return nil
}
