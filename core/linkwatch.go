package core

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/kestrelnet/kestreld/iface"
	"github.com/kestrelnet/kestreld/state"
)

// startLinkWatch polls the local interface set on a fixed interval and
// feeds snapshots into ifaces.Reconcile. Spec §1 names the real
// link-monitor as an out-of-scope collaborator this engine only consumes
// a snapshot stream from; this poller is the minimal concrete stand-in
// that makes the standalone binary actually track interfaces.
func startLinkWatch(env *state.Env, ifaces *iface.Table) {
	env.RepeatTask(func(s *state.State) error {
		db, err := snapshotInterfaces(s.Config.NodeName)
		if err != nil {
			s.Log.Warn("linkwatch: enumerate interfaces failed", "error", err)
			return nil
		}
		return ifaces.Reconcile(s, db)
	}, linkWatchInterval)
}

func snapshotInterfaces(nodeName string) (*state.InterfaceDatabase, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("core: list interfaces: %w", err)
	}

	db := &state.InterfaceDatabase{
		OwnerNodeName: nodeName,
		Interfaces:    make(map[string]state.InterfaceSnapshot, len(ifs)),
	}
	for _, ifi := range ifs {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		networks := make([]netip.Prefix, 0, len(addrs))
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			ones, _ := ipNet.Mask.Size()
			networks = append(networks, netip.PrefixFrom(addr, ones))
		}
		db.Interfaces[ifi.Name] = state.InterfaceSnapshot{
			IsUp:     ifi.Flags&net.FlagUp != 0,
			IfIndex:  ifi.Index,
			Networks: networks,
		}
	}
	return db, nil
}
