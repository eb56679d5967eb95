package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Socket owns the single UDP/IPv6 multicast socket, configured per the
// contract in section 4.2: v6-only, address-reusable, multicast loopback
// disabled, hop-limit and ingress-interface control information enabled on
// receive, hop-limit fixed at 255 on send.
type Socket struct {
	pc *ipv6.PacketConn
}

// OpenSocket binds a v6 UDP socket to [::]:port and configures it for
// multicast hello/handshake/heartbeat traffic. tos, when non-nil, sets the
// outgoing IPv6 traffic class.
func OpenSocket(ctx context.Context, port uint16, tos *int) (*Socket, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(ctx, "udp6", net.JoinHostPort("::", strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp6/%d: %w", port, err)
	}

	pc := ipv6.NewPacketConn(conn)
	// No SO_TIMESTAMP here: receive time is taken in userspace at dispatch
	// instead (see DESIGN.md).
	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set control message flags: %w", err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: disable multicast loopback: %w", err)
	}
	if tos != nil {
		if err := pc.SetTrafficClass(*tos); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set traffic class: %w", err)
		}
	}

	return &Socket{pc: pc}, nil
}

// JoinGroup joins the fixed multicast group on the interface with the
// given OS interface index.
func (s *Socket) JoinGroup(group netip.Addr, ifIndex int) error {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return fmt.Errorf("transport: resolve ifindex %d: %w", ifIndex, err)
	}
	if err := s.pc.JoinGroup(ifi, &net.UDPAddr{IP: net.IP(group.AsSlice())}); err != nil {
		return fmt.Errorf("transport: join group on %s: %w", ifi.Name, err)
	}
	return nil
}

// LeaveGroup leaves the fixed multicast group on the interface with the
// given OS interface index.
func (s *Socket) LeaveGroup(group netip.Addr, ifIndex int) error {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return fmt.Errorf("transport: resolve ifindex %d: %w", ifIndex, err)
	}
	if err := s.pc.LeaveGroup(ifi, &net.UDPAddr{IP: net.IP(group.AsSlice())}); err != nil {
		return fmt.Errorf("transport: leave group on %s: %w", ifi.Name, err)
	}
	return nil
}

// Packet is one received datagram with the control information the
// receive pipeline validates against.
type Packet struct {
	Data     []byte
	Src      netip.Addr
	IfIndex  int
	HopLimit int
}

// ReadFrom blocks until a packet arrives or the socket is closed.
func (s *Socket) ReadFrom(buf []byte) (Packet, error) {
	n, cm, src, err := s.pc.ReadFrom(buf)
	if err != nil {
		return Packet{}, err
	}
	addr, ok := netip.AddrFromSlice(addrIP(src))
	if !ok {
		return Packet{}, fmt.Errorf("transport: unparseable source address %v", src)
	}
	pkt := Packet{
		Data: append([]byte(nil), buf[:n]...),
		Src:  addr.Unmap(),
	}
	if cm != nil {
		pkt.IfIndex = cm.IfIndex
		pkt.HopLimit = cm.HopLimit
	}
	return pkt, nil
}

func addrIP(a net.Addr) []byte {
	if udp, ok := a.(*net.UDPAddr); ok {
		return udp.IP
	}
	return nil
}

// SendTo transmits b to dst, scoped to the given egress interface index,
// with hop-limit fixed at 255 per the wire contract.
func (s *Socket) SendTo(b []byte, dst netip.AddrPort, ifIndex int) error {
	cm := &ipv6.ControlMessage{HopLimit: 255, IfIndex: ifIndex}
	_, err := s.pc.WriteTo(b, cm, &net.UDPAddr{IP: net.IP(dst.Addr().AsSlice()), Port: int(dst.Port())})
	if err != nil {
		return fmt.Errorf("transport: sendto: %w", err)
	}
	return nil
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.pc.Close()
}
