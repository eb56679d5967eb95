package iface

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelnet/kestreld/area"
	"github.com/kestrelnet/kestreld/events"
	"github.com/kestrelnet/kestreld/label"
	"github.com/kestrelnet/kestreld/metrics"
	"github.com/kestrelnet/kestreld/neighbor"
	"github.com/kestrelnet/kestreld/state"
	"github.com/kestrelnet/kestreld/wire"
)

type fakeMulticaster struct {
	joined map[int]int // ifIndex -> join count
	left   map[int]int
	failOn map[int]bool
}

func newFakeMulticaster() *fakeMulticaster {
	return &fakeMulticaster{joined: map[int]int{}, left: map[int]int{}, failOn: map[int]bool{}}
}

func (f *fakeMulticaster) JoinGroup(group netip.Addr, ifIndex int) error {
	if f.failOn[ifIndex] {
		return assert.AnError
	}
	f.joined[ifIndex]++
	return nil
}

func (f *fakeMulticaster) LeaveGroup(group netip.Addr, ifIndex int) error {
	f.left[ifIndex]++
	return nil
}

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	ifName string
	env    *wire.Envelope
}

func (f *fakeSender) Send(ifName string, env *wire.Envelope) error {
	f.sent = append(f.sent, sentMsg{ifName, env})
	return nil
}

// newTestTable builds a Table wired to a real neighbor.Table and a fake
// Multicaster, so add/update/delete/Reconcile are exercisable without a
// real OS socket.
func newTestTable(t *testing.T) (*Table, *state.State, *fakeSender, *fakeMulticaster) {
	resolver, err := area.New([]state.AreaRule{{AreaID: state.DefaultArea, NeighborRegex: ".*"}})
	require.NoError(t, err)

	m := metrics.New()
	pub := events.New(slog.Default(), 16)
	neighbors := neighbor.New(resolver, label.New(), m, pub)
	fm := newFakeMulticaster()
	tbl := New(fm, m, pub)

	fs := &fakeSender{}
	neighbors.Bind(tbl, fs)
	tbl.Bind(neighbors, fs)

	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	s := &state.State{
		Env: &state.Env{
			DispatchChannel: make(chan func(*state.State) error),
			Context:         ctx,
			Cancel:          cancel,
			Log:             slog.Default(),
			Config: state.EngineConfig{
				NodeName:          "self",
				DomainName:        "dom",
				Version:           1,
				MinVersion:        1,
				HelloInterval:     time.Second,
				FastHelloInterval: 200 * time.Millisecond,
				HeartbeatInterval: time.Second,
				HoldTime:          3 * time.Second,
			},
		},
		Modules: make(map[string]state.Module),
	}
	require.NoError(t, neighbors.Init(s))
	require.NoError(t, tbl.Init(s))
	return tbl, s, fs, fm
}

func TestComputeEligibleRequiresUp(t *testing.T) {
	_, ok := computeEligible(state.InterfaceSnapshot{IsUp: false}, false)
	assert.False(t, ok)
}

func TestComputeEligibleRequiresV6LinkLocal(t *testing.T) {
	_, ok := computeEligible(state.InterfaceSnapshot{
		IsUp:     true,
		Networks: []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")},
	}, false)
	assert.False(t, ok)
}

func TestComputeEligibleV6Only(t *testing.T) {
	elig, ok := computeEligible(state.InterfaceSnapshot{
		IsUp:    true,
		IfIndex: 3,
		Networks: []netip.Prefix{
			netip.MustParsePrefix("fe80::1/64"),
			netip.MustParsePrefix("10.0.0.1/24"),
		},
	}, false)
	require.True(t, ok)
	assert.Equal(t, 3, elig.ifIndex)
	assert.Equal(t, netip.MustParsePrefix("fe80::1/64"), elig.v6)
	assert.Nil(t, elig.v4)
}

func TestComputeEligibleV4RequiredWhenEnabled(t *testing.T) {
	_, ok := computeEligible(state.InterfaceSnapshot{
		IsUp:     true,
		Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")},
	}, true)
	assert.False(t, ok, "v4 required but absent should make the interface ineligible")
}

func TestComputeEligibleV4AndV6(t *testing.T) {
	elig, ok := computeEligible(state.InterfaceSnapshot{
		IsUp: true,
		Networks: []netip.Prefix{
			netip.MustParsePrefix("fe80::1/64"),
			netip.MustParsePrefix("10.0.0.5/24"),
		},
	}, true)
	require.True(t, ok)
	require.NotNil(t, elig.v4)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.5/24"), *elig.v4)
}

func TestPickLowestPicksNumericallyLowestAddress(t *testing.T) {
	networks := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.9/24"),
		netip.MustParsePrefix("10.0.0.2/24"),
		netip.MustParsePrefix("10.0.0.5/24"),
	}
	best, ok := pickLowest(networks, func(a netip.Addr) bool { return a.Is4() })
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.2/24"), best)
}

func TestPickLowestNoMatch(t *testing.T) {
	_, ok := pickLowest(nil, func(netip.Addr) bool { return true })
	assert.False(t, ok)
}

func TestV4AddrEqual(t *testing.T) {
	a := netip.MustParsePrefix("10.0.0.1/24")
	b := netip.MustParsePrefix("10.0.0.1/24")
	c := netip.MustParsePrefix("10.0.0.2/24")
	assert.True(t, v4AddrEqual(nil, nil))
	assert.False(t, v4AddrEqual(&a, nil))
	assert.True(t, v4AddrEqual(&a, &b))
	assert.False(t, v4AddrEqual(&a, &c))
}

func TestJitterStaysWithinTwentyPercent(t *testing.T) {
	base := time.Second
	for i := 0; i < 200; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestCapsKnownRequiresV6Always(t *testing.T) {
	tbl := &Table{env: &state.Env{Config: state.EngineConfig{V4Enabled: false}}}
	rec := &state.NeighborRecord{}
	assert.False(t, tbl.capsKnown(rec))

	rec.Caps.V6Addr = netip.MustParseAddr("fe80::1")
	assert.True(t, tbl.capsKnown(rec))
}

func TestCapsKnownRequiresV4WhenEnabled(t *testing.T) {
	tbl := &Table{env: &state.Env{Config: state.EngineConfig{V4Enabled: true}}}
	rec := &state.NeighborRecord{Caps: state.Capabilities{V6Addr: netip.MustParseAddr("fe80::1")}}
	assert.False(t, tbl.capsKnown(rec))

	rec.Caps.V4Addr = netip.MustParseAddr("10.0.0.1")
	assert.True(t, tbl.capsKnown(rec))
}

func TestPublishResolverRoundTrip(t *testing.T) {
	tbl := &Table{byName: make(map[string]int), byIndex: make(map[int]string)}

	tbl.publishResolver("eth0", 5, true)
	name, ok := tbl.ResolveIfIndex(5)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
	idx, ok := tbl.SourceFor("eth0")
	require.True(t, ok)
	assert.Equal(t, 5, idx)

	tbl.publishResolver("eth0", 5, false)
	_, ok = tbl.ResolveIfIndex(5)
	assert.False(t, ok)
	_, ok = tbl.SourceFor("eth0")
	assert.False(t, ok)
}

func TestPublishResolverIgnoresStaleRemoval(t *testing.T) {
	tbl := &Table{byName: make(map[string]int), byIndex: make(map[int]string)}
	tbl.publishResolver("eth0", 5, true)
	// A removal for a different (stale) index must not clobber the current
	// mapping. This is the case when an interface's ifIndex changes under
	// update() between the old delete and the new add.
	tbl.publishResolver("eth0", 6, false)

	name, ok := tbl.ResolveIfIndex(5)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
}

func TestIfaceViewAccessorsOnTrackedInterface(t *testing.T) {
	tbl := &Table{ifaces: make(map[string]*state.Interface)}
	v4 := netip.MustParsePrefix("10.0.0.5/24")
	ifc := &state.Interface{
		IfName:        "eth0",
		IfIndex:       7,
		V4Addr:        &v4,
		V6LinkLocal:   netip.MustParsePrefix("fe80::5/64"),
		FastInitUntil: time.Now().Add(time.Minute),
		Active:        make(map[string]bool),
	}
	tbl.ifaces["eth0"] = ifc

	assert.True(t, tbl.Tracked("eth0"))
	assert.False(t, tbl.Tracked("eth1"))

	idx, ok := tbl.IfIndex("eth0")
	require.True(t, ok)
	assert.Equal(t, 7, idx)

	assert.True(t, tbl.FastInit("eth0", time.Now()))
	assert.False(t, tbl.FastInit("eth0", time.Now().Add(2*time.Minute)))

	gotV4, gotV6, ok := tbl.LocalCaps("eth0")
	require.True(t, ok)
	assert.Equal(t, v4.Addr(), gotV4)
	assert.Equal(t, netip.MustParseAddr("fe80::5"), gotV6)

	network, ok := tbl.V4Network("eth0")
	require.True(t, ok)
	assert.Equal(t, v4, network)

	tbl.SetActive("eth0", "peer", true)
	assert.True(t, ifc.Active["peer"])
	tbl.SetActive("eth0", "peer", false)
	assert.False(t, ifc.Active["peer"])
}

func TestLocalCapsOnUntrackedInterface(t *testing.T) {
	tbl := &Table{ifaces: make(map[string]*state.Interface)}
	_, _, ok := tbl.LocalCaps("eth0")
	assert.False(t, ok)
}

func TestShutdownSendsThreeRestartingHellosPerInterface(t *testing.T) {
	tbl, s, fs, _ := newTestTable(t)
	tbl.ifaces["eth0"] = &state.Interface{IfName: "eth0", IfIndex: 1, Active: make(map[string]bool)}
	tbl.ifaces["eth1"] = &state.Interface{IfName: "eth1", IfIndex: 2, Active: make(map[string]bool)}

	before := s.MySeqNum
	require.NoError(t, tbl.Shutdown(s))

	counts := map[string]int{}
	for _, m := range fs.sent {
		require.NotNil(t, m.env.Hello)
		assert.True(t, m.env.Hello.Restarting)
		counts[m.ifName]++
	}
	assert.Equal(t, 3, counts["eth0"])
	assert.Equal(t, 3, counts["eth1"])
	assert.Equal(t, before+6, s.MySeqNum)
}

func TestArmHelloUsesFastIntervalDuringFastInit(t *testing.T) {
	tbl, _, _, _ := newTestTable(t)
	ifc := &state.Interface{
		IfName:        "eth0",
		IfIndex:       1,
		V6LinkLocal:   netip.MustParsePrefix("fe80::1/64"),
		FastInitUntil: time.Now().Add(time.Minute),
		Active:        make(map[string]bool),
	}
	tbl.ifaces["eth0"] = ifc

	tbl.armHello(ifc)
	assert.True(t, ifc.HelloTimer.Armed())
}

func TestArmHeartbeatArmsTimer(t *testing.T) {
	tbl, _, _, _ := newTestTable(t)
	ifc := &state.Interface{IfName: "eth0", IfIndex: 1, Active: make(map[string]bool)}
	tbl.ifaces["eth0"] = ifc

	tbl.armHeartbeat(ifc)
	assert.True(t, ifc.HeartbeatTimer.Armed())
}

func TestReconcileAddsEligibleInterface(t *testing.T) {
	tbl, s, _, fm := newTestTable(t)

	db := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {
			IsUp:     true,
			IfIndex:  4,
			Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")},
		},
	}}
	require.NoError(t, tbl.Reconcile(s, db))

	assert.True(t, tbl.Tracked("eth0"))
	assert.Equal(t, 1, fm.joined[4])
	name, ok := tbl.ResolveIfIndex(4)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
}

func TestReconcileDeletesIneligibleInterface(t *testing.T) {
	tbl, s, _, fm := newTestTable(t)

	up := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, up))
	require.True(t, tbl.Tracked("eth0"))

	down := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: false, IfIndex: 4},
	}}
	require.NoError(t, tbl.Reconcile(s, down))

	assert.False(t, tbl.Tracked("eth0"))
	assert.Equal(t, 1, fm.left[4])
	_, ok := tbl.ResolveIfIndex(4)
	assert.False(t, ok)
}

func TestReconcileUpdatesOnIfIndexChange(t *testing.T) {
	tbl, s, _, fm := newTestTable(t)

	db := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, db))

	db2 := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 5, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, db2))

	assert.Equal(t, 1, fm.left[4])
	assert.Equal(t, 1, fm.joined[5])
	idx, ok := tbl.IfIndex("eth0")
	require.True(t, ok)
	assert.Equal(t, 5, idx)
	_, ok = tbl.ResolveIfIndex(4)
	assert.False(t, ok)
	name, ok := tbl.ResolveIfIndex(5)
	require.True(t, ok)
	assert.Equal(t, "eth0", name)
}

func TestReconcileUpdateWithoutIfIndexChangeDoesNotRejoin(t *testing.T) {
	tbl, s, _, fm := newTestTable(t)

	db := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, db))

	db2 := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::2/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, db2))

	assert.Equal(t, 1, fm.joined[4])
	assert.Equal(t, 0, fm.left[4])
	v4, v6, ok := tbl.LocalCaps("eth0")
	require.True(t, ok)
	assert.False(t, v4.IsValid())
	assert.Equal(t, netip.MustParseAddr("fe80::2"), v6)
}

func TestReconcileOnDeletePublishesDownForKnownNeighbors(t *testing.T) {
	tbl, s, _, _ := newTestTable(t)

	db := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{
		"eth0": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{netip.MustParsePrefix("fe80::1/64")}},
	}}
	require.NoError(t, tbl.Reconcile(s, db))

	require.NoError(t, tbl.neighbors.HelloReceived(s, "eth0", &wire.Hello{
		NodeName: "peer", DomainName: "dom", Version: 1, SeqNum: 1, SentTsUs: 1000,
	}, 2000))
	rec, ok := tbl.neighbors.Lookup("eth0", "peer")
	require.True(t, ok)
	rec.Caps.V6Addr = netip.MustParseAddr("fe80::9")

	down := &state.InterfaceDatabase{Interfaces: map[string]state.InterfaceSnapshot{}}
	require.NoError(t, tbl.Reconcile(s, down))

	select {
	case ev := <-tbl.events.Events():
		assert.Equal(t, state.EventDown, ev.Type)
		assert.Equal(t, "peer", ev.Neighbor.NodeName)
	default:
		t.Fatal("expected a NEIGHBOR_DOWN event for the known neighbor")
	}
	_, ok = tbl.neighbors.Lookup("eth0", "peer")
	assert.False(t, ok)
}
