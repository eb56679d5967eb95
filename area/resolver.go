// Package area implements the ordered area-assignment policy: each
// (neighbor, local interface) pair is matched against an immutable,
// ordered list of rules to derive the area label used in negotiation.
package area

import (
	"fmt"
	"regexp"

	"github.com/kestrelnet/kestreld/state"
)

type compiledRule struct {
	areaID   string
	neighbor *regexp.Regexp
	iface    *regexp.Regexp
}

// Resolver holds the compiled, immutable rule set. Safe for concurrent
// reads from any goroutine, since it is never mutated after construction
// (callers share it by reference from a single owner, per design note on
// shared regex sets).
type Resolver struct {
	rules []compiledRule
}

// ErrAmbiguous is returned when more than one rule matches a peer.
var ErrAmbiguous = fmt.Errorf("area: ambiguous match")

// ErrNoMatch is returned when no rule matches a peer.
var ErrNoMatch = fmt.Errorf("area: no match")

// New compiles rules into a Resolver. Rules must already have passed
// state.AreaRulesValidator.
func New(rules []state.AreaRule) (*Resolver, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{areaID: r.AreaID}
		if r.NeighborRegex != "" {
			re, err := regexp.Compile("(?i)^(?:" + r.NeighborRegex + ")$")
			if err != nil {
				return nil, fmt.Errorf("area: compiling neighbor_regex for %q: %w", r.AreaID, err)
			}
			cr.neighbor = re
		}
		if r.InterfaceRegex != "" {
			re, err := regexp.Compile("(?i)^(?:" + r.InterfaceRegex + ")$")
			if err != nil {
				return nil, fmt.Errorf("area: compiling interface_regex for %q: %w", r.AreaID, err)
			}
			cr.iface = re
		}
		compiled = append(compiled, cr)
	}
	return &Resolver{rules: compiled}, nil
}

// Resolve scans the ordered rule list and returns the single area whose
// rule matches (peerNodeName, localIfName). Matching a rule requires both
// regexes to match when both are present on that rule, or the single
// present regex to match when only one is set. Zero matches is ErrNoMatch
// (caller should ignore the neighbor); two or more matches is ErrAmbiguous
// (caller should also ignore the neighbor).
func (r *Resolver) Resolve(peerNodeName, localIfName string) (string, error) {
	matched := ""
	count := 0
	for _, rule := range r.rules {
		if !ruleMatches(rule, peerNodeName, localIfName) {
			continue
		}
		count++
		matched = rule.areaID
	}
	switch count {
	case 0:
		return "", ErrNoMatch
	case 1:
		return matched, nil
	default:
		return "", ErrAmbiguous
	}
}

func ruleMatches(r compiledRule, peerNodeName, localIfName string) bool {
	switch {
	case r.neighbor != nil && r.iface != nil:
		return r.neighbor.MatchString(peerNodeName) && r.iface.MatchString(localIfName)
	case r.neighbor != nil:
		return r.neighbor.MatchString(peerNodeName)
	case r.iface != nil:
		return r.iface.MatchString(localIfName)
	default:
		return false
	}
}
