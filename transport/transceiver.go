// Package transport owns the IPv6 link-local multicast socket and
// implements the receive and transmit pipelines of section 4.2: hop-limit
// spoof guard, ingress interface resolution, rate limiting, CBOR
// deserialisation, and dispatch onto the engine's single event loop.
package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/wire"
)

// RequiredHopLimit is the only hop-limit value accepted on receive. A
// link-local protocol can only ever see this value unless a packet has
// been forwarded, which is the spoof this guard exists to catch.
const RequiredHopLimit = 255

// InterfaceResolver is the read-only view the transceiver needs of the
// interface table: ingress-index-to-name lookup for the receive path, and
// name-to-egress-index lookup for the transmit path. No source address is
// resolved: outgoing packets are scoped by interface index only.
// Implemented by iface.Table; kept as an interface here so transport has
// no import-time dependency on iface.
type InterfaceResolver interface {
	ResolveIfIndex(ifIndex int) (ifName string, ok bool)
	SourceFor(ifName string) (ifIndex int, ok bool)
}

// Handler is invoked on the main loop goroutine (via Env.Dispatch) for
// every packet that clears the receive pipeline's filters.
type Handler func(s *state.State, ifName string, src netip.Addr, env *wire.Envelope) error

// Transceiver owns the multicast socket and the background goroutine that
// reads it; it never touches state.State directly, only ever dispatching
// decoded envelopes onto Env.DispatchChannel.
type Transceiver struct {
	env  *state.Env
	sock *Socket
	rl   *RateLimiter
	m    *metrics.Registry
	res  InterfaceResolver
	h    Handler

	group netip.Addr
	port  uint16
}

// New constructs a Transceiver bound to an already-open Socket. The
// Transceiver does not open or close sock; the caller (core) owns its
// lifetime since the same socket is shared across all interfaces. res and
// h are wired in separately via Bind, once the interface table and
// neighbor table exist (see the matching comment on neighbor.New).
func New(env *state.Env, sock *Socket, rl *RateLimiter, m *metrics.Registry) *Transceiver {
	return &Transceiver{
		env:   env,
		sock:  sock,
		rl:    rl,
		m:     m,
		group: state.MulticastGroup,
		port:  env.Config.BindPort,
	}
}

// Bind wires the ingress/egress interface resolver and the decoded-packet
// handler into the Transceiver. Must be called once, before Run.
func (t *Transceiver) Bind(res InterfaceResolver, h Handler) {
	t.res = res
	t.h = h
}

// Run reads packets off the socket until ctx is done or the socket closes.
// It is meant to run on its own goroutine for the lifetime of the process.
func (t *Transceiver) Run(ctx context.Context) error {
	buf := make([]byte, wire.MaxPacketBytes)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := t.sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			t.env.Log.Warn("transport: read error", "error", err)
			continue
		}
		t.handlePacket(pkt)
	}
}

func (t *Transceiver) drop(reason string) {
	t.m.Dropped.WithLabelValues(reason).Inc()
	t.m.Packets.WithLabelValues(metrics.DirectionReceived, metrics.OutcomeDropped).Inc()
}

func (t *Transceiver) handlePacket(pkt Packet) {
	if pkt.HopLimit != RequiredHopLimit {
		t.drop(metrics.ReasonHopLimitRejected)
		return
	}

	ifName, ok := t.res.ResolveIfIndex(pkt.IfIndex)
	if !ok {
		t.drop(metrics.ReasonUnknownInterface)
		return
	}

	// Section 4.2 step 3: the packet has cleared hop-limit and ingress
	// resolution, so it counts as received regardless of what the
	// remaining pipeline stages decide.
	t.m.Packets.WithLabelValues(metrics.DirectionReceived, metrics.OutcomeOK).Inc()

	if !t.rl.Allow(ifName, pkt.Src) {
		t.drop(metrics.ReasonRateLimited)
		return
	}

	msg, err := wire.Decode(pkt.Data)
	if err != nil {
		t.drop(metrics.ReasonDeserializeFailed)
		return
	}

	t.env.Dispatch(func(s *state.State) error {
		return t.h(s, ifName, pkt.Src, msg)
	})
}

// Send serialises env and transmits it to the fixed multicast group,
// scoped to ifName's egress interface. Safe to call from any goroutine: it
// touches only the resolver's guarded lookup, the socket, and metrics.
// Callers are expected to increment s.MySeqNum themselves, success or
// failure, per the transmit pipeline contract in section 4.2.
func (t *Transceiver) Send(ifName string, env *wire.Envelope) error {
	ifIndex, ok := t.res.SourceFor(ifName)
	if !ok {
		return nil
	}
	b, err := wire.Encode(env)
	if err != nil {
		t.m.Packets.WithLabelValues(metrics.DirectionSent, metrics.OutcomeDropped).Inc()
		return err
	}
	dst := netip.AddrPortFrom(t.group, t.port)
	if err := t.sock.SendTo(b, dst, ifIndex); err != nil {
		t.m.Packets.WithLabelValues(metrics.DirectionSent, metrics.OutcomeDropped).Inc()
		return err
	}
	t.m.Packets.WithLabelValues(metrics.DirectionSent, metrics.OutcomeOK).Inc()
	return nil
}
