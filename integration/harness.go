//go:build integration

// Package integration runs small fleets of engine instances against one
// another entirely in-process: no OS sockets, no real link-monitor, but the
// real wire codec, FSM, and timer scheduling, to catch wiring mistakes unit
// tests on a single table can't see.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/kestrelnet/kestreld/area"
	"github.com/kestrelnet/kestreld/events"
	"github.com/kestrelnet/kestreld/iface"
	"github.com/kestrelnet/kestreld/label"
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/neighbor"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/wire"
)

// noopMulticaster satisfies iface.Multicaster without a real OS socket: the
// harness never opens one, so group membership just goes untracked.
type noopMulticaster struct{}

func (noopMulticaster) JoinGroup(netip.Addr, int) error  { return nil }
func (noopMulticaster) LeaveGroup(netip.Addr, int) error { return nil }

// linkEnd is what a node needs to deliver a packet across one link: the
// peer to dispatch into, the peer's own name for that interface, and the
// source address the peer should see the packet arrive from.
type linkEnd struct {
	peer       *Node
	peerIfName string
	srcAddr    netip.Addr
}

// linkSender implements neighbor.Sender and iface.Sender by round-tripping
// through the real wire codec and straight into the peer's Dispatch,
// standing in for a transceiver's socket without opening one.
type linkSender struct {
	n *Node
}

func (ls *linkSender) Send(ifName string, env *wire.Envelope) error {
	ls.n.mu.Lock()
	end, ok := ls.n.peers[ifName]
	ls.n.mu.Unlock()
	if !ok {
		return nil
	}
	b, err := wire.Encode(env)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(b)
	if err != nil {
		return err
	}
	end.peer.env.Dispatch(func(s *state.State) error {
		return end.peer.neighbors.Dispatch(s, end.peerIfName, end.srcAddr, decoded)
	})
	return nil
}

// Node is one simulated engine instance: its own State/Env, module set, and
// main dispatch loop goroutine, wired to peers entirely in-process.
type Node struct {
	Name string

	env       *state.Env
	s         *state.State
	neighbors *neighbor.Table
	ifaces    *iface.Table
	events    *events.Publisher

	mu    sync.Mutex
	peers map[string]*linkEnd
}

// Events returns the node's adjacency event stream.
func (n *Node) Events() <-chan state.NeighborEvent {
	return n.events.Events()
}

// Lookup queries the node's neighbor table from outside its main loop.
func (n *Node) Lookup(ifName, nodeName string) (*state.NeighborRecord, bool) {
	type lookupResult struct {
		rec *state.NeighborRecord
		ok  bool
	}
	r, _ := state.DispatchWait(n.env, func(s *state.State) (lookupResult, error) {
		rec, ok := n.neighbors.Lookup(ifName, nodeName)
		return lookupResult{rec, ok}, nil
	})
	return r.rec, r.ok
}

// Harness runs a small set of in-process nodes linked directly to one
// another, standing in for the link-monitor snapshot feed and the OS
// multicast socket a real deployment would use.
type Harness struct {
	Nodes map[string]*Node
	Errs  chan error

	cancels []context.CancelCauseFunc
}

func NewHarness() *Harness {
	return &Harness{Nodes: make(map[string]*Node), Errs: make(chan error, 16)}
}

// fastConfig is an engine configuration with production semantics but
// millisecond-scale timers, so tests don't wait out production hold times.
func fastConfig(nodeName, domainName string) state.EngineConfig {
	return state.EngineConfig{
		NodeName:               nodeName,
		DomainName:             domainName,
		Version:                1,
		MinVersion:             1,
		HelloInterval:          200 * time.Millisecond,
		FastHelloInterval:      50 * time.Millisecond,
		HandshakeInterval:      50 * time.Millisecond,
		HeartbeatInterval:      100 * time.Millisecond,
		HoldTime:               400 * time.Millisecond,
		NegotiateHold:          300 * time.Millisecond,
		CounterRefreshInterval: time.Second,
	}
}

// NewNode builds and starts a node's module set and main loop, with no
// interfaces tracked yet: AddLink brings one up.
func (h *Harness) NewNode(name, domainName string) *Node {
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &state.Env{
		DispatchChannel: make(chan func(*state.State) error, 32),
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.Default().With("node", name),
		Config:          fastConfig(name, domainName),
		AreaRules:       []state.AreaRule{{AreaID: state.DefaultArea, NeighborRegex: ".*"}},
	}
	s := &state.State{Env: env, Modules: make(map[string]state.Module)}

	resolver, err := area.New(env.AreaRules)
	if err != nil {
		panic(err) // fixed, known-good rule set: only a wiring bug could fail here
	}
	m := metrics.New()
	pub := events.New(env.Log, 64)
	labels := label.New()

	neighbors := neighbor.New(resolver, labels, m, pub)
	ifaces := iface.New(noopMulticaster{}, m, pub)

	n := &Node{
		Name:      name,
		env:       env,
		s:         s,
		neighbors: neighbors,
		ifaces:    ifaces,
		events:    pub,
		peers:     make(map[string]*linkEnd),
	}
	sender := &linkSender{n: n}
	neighbors.Bind(ifaces, sender)
	ifaces.Bind(neighbors, sender)

	if err := state.Register(s, neighbors); err != nil {
		panic(err)
	}
	if err := state.Register(s, ifaces); err != nil {
		panic(err)
	}

	h.Nodes[name] = n
	h.cancels = append(h.cancels, cancel)
	go n.run(h.Errs)
	return n
}

func (n *Node) run(errs chan error) {
	for {
		select {
		case fun := <-n.env.DispatchChannel:
			if err := fun(n.s); err != nil {
				n.s.Log.Error("error during dispatch", "error", err)
				n.s.Cancel(err)
			}
		case <-n.env.Context.Done():
			for name, module := range n.s.Modules {
				if err := module.Cleanup(n.s); err != nil {
					n.s.Log.Warn("error during module cleanup", "module", name, "error", err)
				}
			}
			n.events.Close()
			if cause := context.Cause(n.env.Context); cause != nil && cause != context.Canceled {
				errs <- fmt.Errorf("%s: %w", n.Name, cause)
			}
			return
		}
	}
}

// AddLink wires a[ifA] <-> b[ifB] as a bidirectional point-to-point link,
// bringing an eligible interface up on each side via a synthetic
// InterfaceDatabase, in place of a real link-monitor snapshot.
func (h *Harness) AddLink(a *Node, ifA string, addrA netip.Addr, b *Node, ifB string, addrB netip.Addr) error {
	a.mu.Lock()
	a.peers[ifA] = &linkEnd{peer: b, peerIfName: ifB, srcAddr: addrA}
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[ifB] = &linkEnd{peer: a, peerIfName: ifA, srcAddr: addrB}
	b.mu.Unlock()

	if _, err := state.DispatchWait(a.env, func(s *state.State) (struct{}, error) {
		return struct{}{}, a.ifaces.Reconcile(s, dbFor(a.Name, ifA, 1, addrA))
	}); err != nil {
		return err
	}
	if _, err := state.DispatchWait(b.env, func(s *state.State) (struct{}, error) {
		return struct{}{}, b.ifaces.Reconcile(s, dbFor(b.Name, ifB, 1, addrB))
	}); err != nil {
		return err
	}
	return nil
}

// DropLink tears down ifA on a, simulating a link going down in a way the
// link-monitor notices, which erases the neighbor record and publishes
// NEIGHBOR_DOWN immediately rather than waiting on a hold timer.
func (h *Harness) DropLink(a *Node, ifA string) error {
	_, err := state.DispatchWait(a.env, func(s *state.State) (struct{}, error) {
		return struct{}{}, a.ifaces.Reconcile(s, &state.InterfaceDatabase{
			OwnerNodeName: a.Name,
			Interfaces:    map[string]state.InterfaceSnapshot{},
		})
	})
	return err
}

// Partition silently stops delivery on a's side of ifA without telling a's
// interface table anything changed, simulating a link failure the
// link-monitor hasn't (yet) noticed: the peer only discovers it once its
// heartbeat hold timer expires.
func (h *Harness) Partition(a *Node, ifA string) {
	a.mu.Lock()
	delete(a.peers, ifA)
	a.mu.Unlock()
}

// Stop cancels every node's context and lets its main loop run Cleanup.
func (h *Harness) Stop() {
	for _, cancel := range h.cancels {
		cancel(context.Canceled)
	}
}

func dbFor(owner, ifName string, ifIndex int, addr netip.Addr) *state.InterfaceDatabase {
	return &state.InterfaceDatabase{
		OwnerNodeName: owner,
		Interfaces: map[string]state.InterfaceSnapshot{
			ifName: {
				IsUp:     true,
				IfIndex:  ifIndex,
				Networks: []netip.Prefix{netip.PrefixFrom(addr, 64)},
			},
		},
	}
}
