// Package label allocates segment-routing local labels to neighbors from
// a reserved integer range.
package label

import (
	"fmt"

	"github.com/kestrelnet/kestreld/state"
)

// ErrExhausted is returned when the reserved label range has no free
// entries left. Per the engine's error-handling design this is fatal.
var ErrExhausted = fmt.Errorf("label: range exhausted")

// Allocator tracks the set of currently-allocated labels. Invariant: at
// any time, the set of allocated labels equals the labels of all
// currently-tracked neighbors (enforced by callers freeing on teardown).
type Allocator struct {
	allocated map[uint32]bool
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{allocated: make(map[uint32]bool)}
}

// Allocate returns a label for a neighbor discovered on the interface with
// the given OS interface index. It prefers state.SrLocalMin+ifIndex; if
// that is taken it scans downward from state.SrLocalMax.
func (a *Allocator) Allocate(ifIndex int) (uint32, error) {
	preferred := uint32(state.SrLocalMin + ifIndex)
	if preferred <= state.SrLocalMax && !a.allocated[preferred] {
		a.allocated[preferred] = true
		return preferred, nil
	}
	for l := uint32(state.SrLocalMax); l >= state.SrLocalMin; l-- {
		if !a.allocated[l] {
			a.allocated[l] = true
			return l, nil
		}
	}
	return 0, ErrExhausted
}

// Free releases a previously allocated label, making it available again.
func (a *Allocator) Free(label uint32) {
	delete(a.allocated, label)
}

// Allocated reports whether label is currently held.
func (a *Allocator) Allocated(label uint32) bool {
	return a.allocated[label]
}

// Count returns the number of currently-allocated labels.
func (a *Allocator) Count() int {
	return len(a.allocated)
}
