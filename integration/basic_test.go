//go:build integration

package integration

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kestrelnet/kestreld/fsm"
	"github.com/kestrelnet/kestreld/state"
)

func TestMain(m *testing.M) {
	m.Run()
}

// waitForEvent blocks until match returns true for an event off ch, or
// timeout elapses.
func waitForEvent(t *testing.T, ch <-chan state.NeighborEvent, timeout time.Duration, match func(state.NeighborEvent) bool) state.NeighborEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event stream closed before matching event arrived")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out after %s waiting for event", timeout)
		}
	}
}

// bringUpLink creates two nodes in the same domain, links them on "eth0",
// and blocks until both sides report NEIGHBOR_UP.
func bringUpLink(t *testing.T, h *Harness) (a, b *Node) {
	t.Helper()
	a = h.NewNode("node-a", "domain1")
	b = h.NewNode("node-b", "domain1")

	addrA := netip.MustParseAddr("fe80::1")
	addrB := netip.MustParseAddr("fe80::2")
	if err := h.AddLink(a, "eth0", addrA, b, "eth0", addrB); err != nil {
		t.Fatalf("AddLink: %v", err)
	}

	waitForEvent(t, a.Events(), 3*time.Second, func(ev state.NeighborEvent) bool {
		return ev.Type == state.EventUp && ev.Neighbor.NodeName == "node-b"
	})
	waitForEvent(t, b.Events(), 3*time.Second, func(ev state.NeighborEvent) bool {
		return ev.Type == state.EventUp && ev.Neighbor.NodeName == "node-a"
	})
	return a, b
}

func TestFreshBringUpEstablishesAdjacencyBothWays(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness()
	defer h.Stop()

	a, b := bringUpLink(t, h)

	recA, ok := a.Lookup("eth0", "node-b")
	if !ok || recA.State != fsm.Established {
		t.Fatalf("node-a's record of node-b: ok=%v state=%v", ok, recA)
	}
	recB, ok := b.Lookup("eth0", "node-a")
	if !ok || recB.State != fsm.Established {
		t.Fatalf("node-b's record of node-a: ok=%v state=%v", ok, recB)
	}
	if recA.Label == 0 || recB.Label == 0 {
		t.Fatalf("expected both sides to allocate a segment-routing label, got %d and %d", recA.Label, recB.Label)
	}
}

func TestHeartbeatLossIsDetectedAsNeighborDown(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness()
	defer h.Stop()

	a, b := bringUpLink(t, h)

	h.Partition(a, "eth0")

	waitForEvent(t, b.Events(), 3*time.Second, func(ev state.NeighborEvent) bool {
		return ev.Type == state.EventDown && ev.Neighbor.NodeName == "node-a"
	})

	if _, ok := b.Lookup("eth0", "node-a"); ok {
		t.Fatal("expected node-b to have erased node-a's record after heartbeat loss")
	}
}

func TestInterfaceRemovalPublishesImmediateNeighborDown(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness()
	defer h.Stop()

	a, b := bringUpLink(t, h)

	if err := h.DropLink(a, "eth0"); err != nil {
		t.Fatalf("DropLink: %v", err)
	}

	waitForEvent(t, a.Events(), time.Second, func(ev state.NeighborEvent) bool {
		return ev.Type == state.EventDown && ev.Neighbor.NodeName == "node-b"
	})

	// node-b still thinks the link is up until its own heartbeat hold
	// expires; node-a's side tore down immediately on reconcile.
	if _, ok := a.Lookup("eth0", "node-b"); ok {
		t.Fatal("expected node-a to have erased node-b's record on interface removal")
	}
}
