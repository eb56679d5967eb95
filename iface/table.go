// Package iface implements the InterfaceTable of section 4.4: reconciling
// link-monitor snapshots into the set of tracked, eligible interfaces, and
// owning each interface's periodic hello and heartbeat transmit timers.
package iface

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelnet/kestreld/events"
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/neighbor"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/wire"
)

// Sender is the transmit half of the transceiver, as needed to send
// periodic hello and heartbeat packets.
type Sender interface {
	Send(ifName string, env *wire.Envelope) error
}

// Multicaster is the join/leave-group half of the socket the interface
// table needs. Declared here, rather than taking a *transport.Socket
// directly, so the table's reconciliation logic is exercisable without a
// real OS socket; implemented structurally by *transport.Socket.
type Multicaster interface {
	JoinGroup(group netip.Addr, ifIndex int) error
	LeaveGroup(group netip.Addr, ifIndex int) error
}

// Table is the set of tracked interfaces, registered as a state.Module.
// Its reconciliation, Add/Delete/Update, and Shutdown methods are called
// on the main loop goroutine via Env.Dispatch; ResolveIfIndex and
// SourceFor are called from the transceiver's read goroutine and are
// guarded separately.
type Table struct {
	env       *state.Env
	sock      Multicaster
	neighbors *neighbor.Table
	metrics   *metrics.Registry
	events    *events.Publisher
	sender    Sender

	ifaces map[string]*state.Interface

	mu      sync.RWMutex
	byName  map[string]int
	byIndex map[int]string
}

// New constructs a Table. sock, m, and pub must all outlive the Table.
// neighbors and sender are wired in separately via Bind: see the matching
// comment on neighbor.New for why none of the three mutually-dependent
// types can take the others as constructor arguments.
func New(sock Multicaster, m *metrics.Registry, pub *events.Publisher) *Table {
	return &Table{
		sock:    sock,
		metrics: m,
		events:  pub,
		ifaces:  make(map[string]*state.Interface),
		byName:  make(map[string]int),
		byIndex: make(map[int]string),
	}
}

// Bind wires the neighbor table and packet sender into the table. Must be
// called once, before Init.
func (t *Table) Bind(neighbors *neighbor.Table, sender Sender) {
	t.neighbors = neighbors
	t.sender = sender
}

// Init implements state.Module.
func (t *Table) Init(s *state.State) error {
	t.env = s.Env
	return nil
}

// Cleanup implements state.Module: cancels every interface's timers and
// leaves every multicast group it joined.
func (t *Table) Cleanup(s *state.State) error {
	for ifName, ifc := range t.ifaces {
		ifc.HelloTimer.Cancel()
		ifc.HeartbeatTimer.Cancel()
		if err := t.sock.LeaveGroup(state.MulticastGroup, ifc.IfIndex); err != nil {
			t.env.Log.Warn("iface: leave group failed", "if_name", ifName, "error", err)
		}
	}
	return nil
}

// eligibleIface is the outcome of applying section 4.4's eligibility rule
// to one InterfaceSnapshot.
type eligibleIface struct {
	ifIndex int
	v6      netip.Prefix
	v4      *netip.Prefix
}

// Reconcile applies one InterfaceDatabase snapshot: compute the symmetric
// difference against the currently tracked set and drive Add/Delete/
// Update accordingly. It is the Handler for the link-monitor's snapshot
// stream.
func (t *Table) Reconcile(s *state.State, db *state.InterfaceDatabase) error {
	eligible := make(map[string]eligibleIface, len(db.Interfaces))
	for ifName, snap := range db.Interfaces {
		if elig, ok := computeEligible(snap, t.env.Config.V4Enabled); ok {
			eligible[ifName] = elig
		}
	}

	for ifName := range t.ifaces {
		if _, ok := eligible[ifName]; !ok {
			if err := t.delete(s, ifName); err != nil {
				return err
			}
		}
	}

	for ifName, elig := range eligible {
		cur, tracked := t.ifaces[ifName]
		if !tracked {
			if err := t.add(s, ifName, elig); err != nil {
				return err
			}
			continue
		}
		if cur.IfIndex != elig.ifIndex || cur.V6LinkLocal != elig.v6 || !v4AddrEqual(cur.V4Addr, elig.v4) {
			if err := t.update(ifName, cur, elig); err != nil {
				return err
			}
		}
	}
	return nil
}

func computeEligible(snap state.InterfaceSnapshot, v4Enabled bool) (eligibleIface, bool) {
	if !snap.IsUp {
		return eligibleIface{}, false
	}
	v6, ok := pickLowest(snap.Networks, func(a netip.Addr) bool {
		return a.Is6() && a.IsLinkLocalUnicast()
	})
	if !ok {
		return eligibleIface{}, false
	}
	elig := eligibleIface{ifIndex: snap.IfIndex, v6: v6}
	if v4Enabled {
		v4, ok := pickLowest(snap.Networks, func(a netip.Addr) bool { return a.Is4() })
		if !ok {
			return eligibleIface{}, false
		}
		elig.v4 = &v4
	}
	return elig, true
}

// pickLowest returns the prefix whose address is numerically lowest among
// those satisfying pred, for determinism across peers evaluating the same
// interface.
func pickLowest(networks []netip.Prefix, pred func(netip.Addr) bool) (netip.Prefix, bool) {
	var best netip.Prefix
	found := false
	for _, p := range networks {
		a := p.Addr()
		if !pred(a) {
			continue
		}
		if !found || a.Compare(best.Addr()) < 0 {
			best, found = p, true
		}
	}
	return best, found
}

func v4AddrEqual(a *netip.Prefix, b *netip.Prefix) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (t *Table) add(s *state.State, ifName string, elig eligibleIface) error {
	if err := t.sock.JoinGroup(state.MulticastGroup, elig.ifIndex); err != nil {
		return fmt.Errorf("iface: join group on %s: %w", ifName, err)
	}

	now := time.Now()
	ifc := &state.Interface{
		IfName:        ifName,
		IfIndex:       elig.ifIndex,
		V4Addr:        elig.v4,
		V6LinkLocal:   elig.v6,
		TrackedSince:  now,
		FastInitUntil: now.Add(6 * t.env.Config.FastHelloInterval),
		Active:        make(map[string]bool),
	}
	t.ifaces[ifName] = ifc
	t.publishResolver(ifName, elig.ifIndex, true)

	t.armHeartbeat(ifc)
	t.armHello(ifc)

	t.env.Log.Info("iface: tracking", "if_name", ifName, "if_index", elig.ifIndex)
	return nil
}

func (t *Table) update(ifName string, cur *state.Interface, elig eligibleIface) error {
	if cur.IfIndex != elig.ifIndex {
		if err := t.sock.LeaveGroup(state.MulticastGroup, cur.IfIndex); err != nil {
			t.env.Log.Warn("iface: leave group failed", "if_name", ifName, "error", err)
		}
		if err := t.sock.JoinGroup(state.MulticastGroup, elig.ifIndex); err != nil {
			return fmt.Errorf("iface: join group on %s: %w", ifName, err)
		}
		t.publishResolver(ifName, cur.IfIndex, false)
		t.publishResolver(ifName, elig.ifIndex, true)
		cur.IfIndex = elig.ifIndex
	}
	cur.V4Addr = elig.v4
	cur.V6LinkLocal = elig.v6
	return nil
}

func (t *Table) delete(s *state.State, ifName string) error {
	ifc, ok := t.ifaces[ifName]
	if !ok {
		return nil
	}

	for _, rec := range t.neighbors.Snapshot() {
		if rec.Key.IfName != ifName || !t.capsKnown(rec) {
			continue
		}
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
	t.neighbors.EraseInterface(ifName)

	ifc.HelloTimer.Cancel()
	ifc.HeartbeatTimer.Cancel()
	if err := t.sock.LeaveGroup(state.MulticastGroup, ifc.IfIndex); err != nil {
		t.env.Log.Warn("iface: leave group failed", "if_name", ifName, "error", err)
	}
	t.publishResolver(ifName, ifc.IfIndex, false)
	delete(t.ifaces, ifName)

	t.env.Log.Info("iface: untracking", "if_name", ifName)
	return nil
}

// capsKnown reports whether a neighbor's handshake-advertised transport
// addresses are complete enough to warrant a NEIGHBOR_DOWN on interface
// removal: v6 always, v4 additionally when v4 is enabled.
func (t *Table) capsKnown(rec *state.NeighborRecord) bool {
	if t.env.Config.V4Enabled && !rec.Caps.V4Addr.IsValid() {
		return false
	}
	return rec.Caps.V6Addr.IsValid()
}

func (t *Table) publishResolver(ifName string, ifIndex int, present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if present {
		t.byName[ifName] = ifIndex
		t.byIndex[ifIndex] = ifName
		return
	}
	if idx, ok := t.byName[ifName]; ok && idx == ifIndex {
		delete(t.byIndex, idx)
		delete(t.byName, ifName)
	}
}

// ResolveIfIndex implements transport.InterfaceResolver.
func (t *Table) ResolveIfIndex(ifIndex int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ifName, ok := t.byIndex[ifIndex]
	return ifName, ok
}

// SourceFor implements transport.InterfaceResolver.
func (t *Table) SourceFor(ifName string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ifIndex, ok := t.byName[ifName]
	return ifIndex, ok
}

// Tracked implements neighbor.IfaceView.
func (t *Table) Tracked(ifName string) bool {
	_, ok := t.ifaces[ifName]
	return ok
}

// IfIndex implements neighbor.IfaceView.
func (t *Table) IfIndex(ifName string) (int, bool) {
	ifc, ok := t.ifaces[ifName]
	if !ok {
		return 0, false
	}
	return ifc.IfIndex, true
}

// FastInit implements neighbor.IfaceView.
func (t *Table) FastInit(ifName string, now time.Time) bool {
	ifc, ok := t.ifaces[ifName]
	if !ok {
		return false
	}
	return ifc.InFastInit(now)
}

// LocalCaps implements neighbor.IfaceView.
func (t *Table) LocalCaps(ifName string) (v4, v6 netip.Addr, ok bool) {
	ifc, tracked := t.ifaces[ifName]
	if !tracked {
		return netip.Addr{}, netip.Addr{}, false
	}
	if ifc.V4Addr != nil {
		v4 = ifc.V4Addr.Addr()
	}
	return v4, ifc.V6LinkLocal.Addr(), true
}

// V4Network implements neighbor.IfaceView.
func (t *Table) V4Network(ifName string) (netip.Prefix, bool) {
	ifc, ok := t.ifaces[ifName]
	if !ok || ifc.V4Addr == nil {
		return netip.Prefix{}, false
	}
	return *ifc.V4Addr, true
}

// SetActive implements neighbor.IfaceView.
func (t *Table) SetActive(ifName, nodeName string, active bool) {
	ifc, ok := t.ifaces[ifName]
	if !ok {
		return
	}
	if active {
		ifc.Active[nodeName] = true
	} else {
		delete(ifc.Active, nodeName)
	}
}

// armHeartbeat (re)arms ifc's heartbeat-transmit timer, matching the
// owning-timer-without-back-reference pattern: the closure captures only
// the interface name and looks the interface back up by it on fire.
func (t *Table) armHeartbeat(ifc *state.Interface) {
	ifName := ifc.IfName
	ifc.HeartbeatTimer.Arm(t.env, t.env.Config.HeartbeatInterval, func(s *state.State) error {
		cur, ok := t.ifaces[ifName]
		if !ok {
			return nil
		}
		t.transmit(s, ifName, &wire.Envelope{Heartbeat: &wire.Heartbeat{
			NodeName: t.env.Config.NodeName,
			SeqNum:   s.MySeqNum,
		}})
		t.armHeartbeat(cur)
		return nil
	})
}

// armHello (re)arms ifc's hello-transmit timer. During the post-add
// fast-init window it fires every FastHelloInterval with SolicitResponse
// set; otherwise it fires every HelloInterval, jittered +/-20%.
func (t *Table) armHello(ifc *state.Interface) {
	ifName := ifc.IfName
	now := time.Now()

	var delay time.Duration
	solicit := ifc.InFastInit(now)
	if solicit {
		delay = t.env.Config.FastHelloInterval
	} else {
		delay = jitter(t.env.Config.HelloInterval)
	}

	ifc.HelloTimer.Arm(t.env, delay, func(s *state.State) error {
		cur, ok := t.ifaces[ifName]
		if !ok {
			return nil
		}
		hello := t.neighbors.HelloFor(s, ifName, solicit, false)
		t.transmit(s, ifName, &wire.Envelope{Hello: hello})
		t.armHello(cur)
		return nil
	})
}

func jitter(d time.Duration) time.Duration {
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * factor)
}

// transmit sends env on ifName and bumps the shared sequence counter, per
// the transmit pipeline contract in section 4.2.
func (t *Table) transmit(s *state.State, ifName string, env *wire.Envelope) {
	if err := t.sender.Send(ifName, env); err != nil {
		t.env.Log.Warn("iface: send failed", "if_name", ifName, "error", err)
	}
	s.MySeqNum++
}

// Shutdown transmits a restarting hello on every tracked interface three
// times, absorbing packet loss so peers reliably see it and enter their
// own graceful-restart grace window. The bursts for different interfaces
// run concurrently; Sender.Send touches only the socket and metrics, never
// state.State, so calling it off the main loop goroutine here is safe.
func (t *Table) Shutdown(s *state.State) error {
	g, _ := errgroup.WithContext(context.Background())
	var sent atomic.Int64

	for ifName := range t.ifaces {
		ifName := ifName
		hello := t.neighbors.HelloFor(s, ifName, false, true)
		g.Go(func() error {
			for i := 0; i < 3; i++ {
				if err := t.sender.Send(ifName, &wire.Envelope{Hello: hello}); err != nil {
					t.env.Log.Warn("iface: shutdown hello send failed", "if_name", ifName, "error", err)
				}
				sent.Add(1)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.MySeqNum += uint32(sent.Load())
	return nil
}
