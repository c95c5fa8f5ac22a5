package node

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network"
	"github.com/go-i2p/go-vnet/lib/network/rules"
	"github.com/go-i2p/go-vnet/lib/protocol"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSocket int64 = 1
	comTime    int64 = 1_000_000
	etherIPv4        = 0x0800
)

type datagram struct {
	from, to netip.AddrPort
	data     []byte
}

type delivery struct {
	nwid  uint64
	frame network.Frame
}

// testWire connects nodes through an in-memory queue. Packets are delivered
// only by pump, so nothing recurses.
type testWire struct {
	t      *testing.T
	now    int64
	queue  []datagram
	nodes  map[netip.AddrPort]*Node
	frames map[identity.Address][]delivery
	ops    map[identity.Address][]network.Operation
	stores map[identity.Address]*store.MemoryStore
	relays int
}

func newTestWire(t *testing.T) *testWire {
	return &testWire{
		t:      t,
		now:    1000,
		nodes:  make(map[netip.AddrPort]*Node),
		frames: make(map[identity.Address][]delivery),
		ops:    make(map[identity.Address][]network.Operation),
		stores: make(map[identity.Address]*store.MemoryStore),
	}
}

func (w *testWire) add(id *identity.Identity, settings Settings) (*Node, netip.AddrPort) {
	w.t.Helper()
	if id == nil {
		var err error
		id, err = identity.Generate()
		require.NoError(w.t, err)
	}
	ep := netip.MustParseAddrPort(fmt.Sprintf("10.0.0.%d:9993", len(w.nodes)+1))
	addr := id.Address()
	st := store.NewMemoryStore()
	n, err := New(w.now, id, st, settings, Callbacks{
		WireSend: func(socket int64, to netip.AddrPort, data []byte) bool {
			w.queue = append(w.queue, datagram{from: ep, to: to, data: append([]byte(nil), data...)})
			return true
		},
		VirtualFrame: func(nwid uint64, f *network.Frame) {
			g := *f
			g.Data = append([]byte(nil), f.Data...)
			w.frames[addr] = append(w.frames[addr], delivery{nwid: nwid, frame: g})
		},
		NetworkConfig: func(nwid uint64, op network.Operation, _ *network.ExternalConfig) {
			w.ops[addr] = append(w.ops[addr], op)
		},
	})
	require.NoError(w.t, err)
	w.nodes[ep] = n
	w.stores[addr] = st
	return n, ep
}

// pump delivers queued packets until the wire is quiet.
func (w *testWire) pump() {
	w.t.Helper()
	for i := 0; len(w.queue) > 0; i++ {
		require.Less(w.t, i, 10000, "wire never went quiet")
		d := w.queue[0]
		w.queue = w.queue[1:]
		if n, ok := w.nodes[d.to]; ok {
			if identity.AddressFromBytes(d.data[8:]) != n.Address() {
				w.relays++
			}
			n.ProcessWirePacket(w.now, testSocket, d.from, d.data)
		}
	}
}

func (w *testWire) pulse() {
	for _, n := range w.nodes {
		n.Pulse(w.now)
	}
	w.pump()
}

func (w *testWire) advance(ms int64) { w.now += ms }

// star builds a root with the given number of leaves that have completed
// their handshakes with it.
func star(t *testing.T, leaves int) (*testWire, *Node, []*Node) {
	t.Helper()
	w := newTestWire(t)
	root, rootEP := w.add(nil, DefaultSettings())
	out := make([]*Node, leaves)
	for i := range out {
		out[i], _ = w.add(nil, DefaultSettings())
		require.NoError(t, out[i].SetRoot(w.now, root.Identity().PublicOnly(), testSocket, rootEP))
	}
	w.pulse()
	return w, root, out
}

type controller struct {
	id   *identity.Identity
	nwid uint64
}

func newController(t *testing.T) *controller {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return &controller{id: id, nwid: uint64(id.Address())<<24 | 0x000042}
}

func (c *controller) config(t *testing.T, to identity.Address, revision uint64, typ network.Type, list ...rules.Rule) *network.NetworkConfig {
	t.Helper()
	cfg := &network.NetworkConfig{
		NetworkID:              c.nwid,
		Timestamp:              comTime,
		CredentialTimeMaxDelta: 60_000,
		Revision:               revision,
		IssuedTo:               to,
		Type:                   typ,
		Name:                   "lab",
		MTU:                    2800,
		Rules:                  list,
	}
	if typ == network.TypePrivate {
		cfg.Membership = credential.NewMembership(c.nwid, comTime, 60_000, to)
		require.NoError(t, cfg.Membership.Sign(c.id))
	}
	require.NoError(t, cfg.Sign(c.id))
	return cfg
}

// joinWith joins n to c's network and installs cfg directly.
func joinWith(t *testing.T, w *testWire, n *Node, c *controller, cfg *network.NetworkConfig) *network.Network {
	t.Helper()
	nw, err := n.Join(w.now, c.nwid)
	require.NoError(t, err)
	require.Equal(t, network.ConfigApplied, nw.SetConfiguration(w.now, cfg, false))
	return nw
}

func TestHandshakeLearnsDirectPaths(t *testing.T) {
	w, root, leaves := star(t, 1)
	a := leaves[0]

	rp := a.Peer(root.Address())
	require.NotNil(t, rp)
	assert.Len(t, rp.Paths(), 1)
	assert.Greater(t, rp.Sessions(), 0)

	ap := root.Peer(a.Address())
	require.NotNil(t, ap, "root learns the leaf from its HELLO")
	assert.Len(t, ap.Paths(), 1)

	w.advance(1000)
	require.NoError(t, a.Echo(w.now, root.Address()))
	w.pump()
	assert.True(t, ap.ActiveKey().Equal(rp.ActiveKey()), "the leaf's ECHO confirms the session")
	assert.Equal(t, int64(0), rp.Paths()[0].Latency())
}

func TestRelayedFrameDelivery(t *testing.T) {
	w, root, leaves := star(t, 2)
	a, b := leaves[0], leaves[1]
	ctl := newController(t)

	w.advance(1000)
	na := joinWith(t, w, a, ctl, ctl.config(t, a.Address(), 1, network.TypePublic, rules.Accept()))
	joinWith(t, w, b, ctl, ctl.config(t, b.Address(), 1, network.TypePublic, rules.Accept()))
	w.pump()

	dst := network.MACFromAddress(b.Address(), ctl.nwid)
	payload := []byte("hello over the overlay")

	w.advance(2000)
	err := a.SendFrame(w.now, ctl.nwid, na.MAC(), dst, etherIPv4, payload)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	w.pump()
	require.NotNil(t, a.Peer(b.Address()), "WHOIS through the root")

	w.advance(2000)
	require.NoError(t, a.SendFrame(w.now, ctl.nwid, na.MAC(), dst, etherIPv4, payload))
	w.pump()
	assert.Empty(t, w.frames[b.Address()], "b cannot authenticate a yet")
	require.NotNil(t, b.Peer(a.Address()))

	w.advance(2000)
	require.NoError(t, a.SendFrame(w.now, ctl.nwid, na.MAC(), dst, etherIPv4, payload))
	w.pump()
	require.Len(t, w.frames[b.Address()], 1)
	got := w.frames[b.Address()][0]
	assert.Equal(t, ctl.nwid, got.nwid)
	assert.Equal(t, payload, got.frame.Data)
	assert.Equal(t, na.MAC(), got.frame.MACSource)
	assert.Equal(t, a.Address(), got.frame.Source)
	assert.Greater(t, w.relays, 0, "no direct path, so the root relays")
	assert.NotNil(t, root.Peer(b.Address()))
}

func TestPrivateNetworkCredentialExchange(t *testing.T) {
	w, root, leaves := star(t, 2)
	a, b := leaves[0], leaves[1]
	ctl := newController(t)

	w.advance(1000)
	na := joinWith(t, w, a, ctl, ctl.config(t, a.Address(), 1, network.TypePrivate, rules.Accept()))
	nb := joinWith(t, w, b, ctl, ctl.config(t, b.Address(), 1, network.TypePrivate, rules.Accept()))
	w.pump()
	require.Nil(t, b.Peer(ctl.id.Address()), "root does not know the controller yet")

	w.advance(1000)
	_, err := root.AddPeer(w.now, ctl.id.PublicOnly(), testSocket, netip.AddrPort{})
	require.NoError(t, err)

	dst := network.MACFromAddress(b.Address(), ctl.nwid)
	send := func() {
		w.advance(2000)
		_ = a.SendFrame(w.now, ctl.nwid, na.MAC(), dst, etherIPv4, []byte{0x45})
		w.pump()
	}

	send() // a learns b
	send() // b learns a
	assert.Empty(t, w.frames[b.Address()])
	send() // b refuses, a answers with its certificate, b fetches the controller
	assert.Empty(t, w.frames[b.Address()])
	assert.NotNil(t, b.Peer(ctl.id.Address()))
	assert.Zero(t, b.DeferredCredentials())
	assert.True(t, nb.MemberAllowed(a.Address()))

	send()
	assert.Len(t, w.frames[b.Address()], 1)
}

func TestDeferredCredentialRetriedAfterWhois(t *testing.T) {
	w := newTestWire(t)
	n, _ := w.add(nil, DefaultSettings())
	ctl := newController(t)
	nw := joinWith(t, w, n, ctl, ctl.config(t, n.Address(), 1, network.TypePrivate))

	peerID, err := identity.Generate()
	require.NoError(t, err)
	com := credential.NewMembership(ctl.nwid, comTime, 60_000, peerID.Address())
	require.NoError(t, com.Sign(ctl.id))

	assert.Equal(t, credential.DeferredForWhois, n.offerCredential(w.now, peerID.Address(), com))
	assert.Equal(t, 1, n.DeferredCredentials())
	assert.False(t, nw.MemberAllowed(peerID.Address()))

	n.onWhoisReply(w.now, ctl.id.PublicOnly().Marshal(false))
	assert.Zero(t, n.DeferredCredentials())
	assert.True(t, nw.MemberAllowed(peerID.Address()))
}

func TestDeferredCredentialsBounded(t *testing.T) {
	w := newTestWire(t)
	s := DefaultSettings()
	s.MaxDeferredCredentials = 2
	n, _ := w.add(nil, s)
	ctl := newController(t)
	joinWith(t, w, n, ctl, ctl.config(t, n.Address(), 1, network.TypePrivate))

	for i := 0; i < 5; i++ {
		tag := credential.NewTag(ctl.nwid, comTime, n.Address(), uint32(i), 1)
		require.NoError(t, tag.Sign(ctl.id))
		n.offerCredential(w.now, n.Address(), tag)
	}
	assert.Equal(t, 2, n.DeferredCredentials())
}

func TestControllerPushesConfig(t *testing.T) {
	w, root, leaves := star(t, 1)
	a := leaves[0]
	ctl := newController(t)

	w.advance(1000)
	c, _ := w.add(ctl.id, DefaultSettings())
	require.NoError(t, c.SetRoot(w.now, root.Identity().PublicOnly(), testSocket, netip.MustParseAddrPort("10.0.0.1:9993")))
	w.pulse()
	require.NotNil(t, root.Peer(c.Address()))

	w.advance(2000)
	nw, err := a.Join(w.now, ctl.nwid)
	require.NoError(t, err)
	w.pump()
	require.NotNil(t, a.Peer(ctl.id.Address()), "joining looks up the controller")
	assert.Equal(t, network.StatusRequestingConfiguration, nw.Status())

	cfg := ctl.config(t, a.Address(), 3, network.TypePublic, rules.Accept())
	w.advance(2000)
	assert.ErrorIs(t, c.SendNetworkConfig(w.now, cfg), ErrUnknownPeer)
	w.pump()

	w.advance(2000)
	require.NoError(t, c.SendNetworkConfig(w.now, cfg))
	w.pump()
	require.NotNil(t, nw.Config())
	assert.Equal(t, uint64(3), nw.Config().Revision)
	assert.Equal(t, network.StatusOK, nw.Status())
	assert.Equal(t, []network.Operation{network.OpUp, network.OpConfigUpdate}, w.ops[a.Address()])

	_, err = w.stores[a.Address()].Get(store.KindNetworkConfig, store.Key{ctl.nwid})
	assert.NoError(t, err, "pushed configs are persisted")

	other := ctl.config(t, c.Address(), 4, network.TypePublic)
	assert.ErrorIs(t, a.SendNetworkConfig(w.now, other), ErrNotController)
}

func TestConfigFromNonControllerIgnored(t *testing.T) {
	w := newTestWire(t)
	n, _ := w.add(nil, DefaultSettings())
	ctl := newController(t)
	nw, err := n.Join(w.now, ctl.nwid)
	require.NoError(t, err)

	impostor, err := identity.Generate()
	require.NoError(t, err)
	p, err := n.AddPeer(w.now, impostor.PublicOnly(), testSocket, netip.AddrPort{})
	require.NoError(t, err)

	n.onNetworkConfig(w.now, p, ctl.config(t, n.Address(), 1, network.TypePublic).Marshal())
	assert.Nil(t, nw.Config())
}

func TestSendFrameErrors(t *testing.T) {
	w := newTestWire(t)
	n, _ := w.add(nil, DefaultSettings())
	ctl := newController(t)

	err := n.SendFrame(w.now, ctl.nwid, 0, 0x0200000001, etherIPv4, nil)
	assert.ErrorIs(t, err, ErrNotJoined)

	nw, err := n.Join(w.now, ctl.nwid)
	require.NoError(t, err)
	err = n.SendFrame(w.now, ctl.nwid, nw.MAC(), 0x0200000001, etherIPv4, nil)
	assert.ErrorIs(t, err, ErrNoConfig)

	_, err = n.Join(w.now, ctl.nwid)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	require.Equal(t, network.ConfigApplied, nw.SetConfiguration(w.now, ctl.config(t, n.Address(), 1, network.TypePublic, rules.Drop()), false))
	dst := network.MACFromAddress(0x1122334455, ctl.nwid)
	assert.ErrorIs(t, n.SendFrame(w.now, ctl.nwid, nw.MAC(), dst, etherIPv4, []byte{1}), ErrFiltered)
	assert.ErrorIs(t, n.SendFrame(w.now, ctl.nwid, 0x02aabbccddee, dst, etherIPv4, []byte{1}), ErrBridging)
	assert.ErrorIs(t, n.SendFrame(w.now, ctl.nwid, nw.MAC(), network.BroadcastMAC, etherIPv4, []byte{1}), ErrFiltered,
		"broadcast needs the network flag")

	require.NoError(t, n.Leave(ctl.nwid))
	assert.Nil(t, n.Network(ctl.nwid))
	assert.ErrorIs(t, n.Leave(ctl.nwid), ErrNotJoined)
}

func TestFrameCodec(t *testing.T) {
	f := &network.Frame{MACSource: 0x020102030405, MACDest: 0xffffffffffff, EtherType: 0x86dd}
	b := marshalFrame(0x1122334455000001, f, []byte("body"))
	nwid, got, err := parseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455000001), nwid)
	assert.Equal(t, f.MACSource, got.MACSource)
	assert.Equal(t, f.MACDest, got.MACDest)
	assert.Equal(t, f.EtherType, got.EtherType)
	assert.Equal(t, []byte("body"), got.Data)

	_, _, err = parseFrame(b[:frameHeaderSize-1])
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestIdlePeersExpire(t *testing.T) {
	w, root, leaves := star(t, 2)
	a, b := leaves[0], leaves[1]
	_, err := a.AddPeer(w.now, b.Identity().PublicOnly(), testSocket, netip.AddrPort{})
	require.NoError(t, err)

	w.advance(a.settings.PeerExpiry + 1)
	a.Pulse(w.now)
	assert.Nil(t, a.Peer(b.Address()))
	assert.NotNil(t, a.Peer(root.Address()), "roots are kept")

	_, err = w.stores[a.Address()].Get(store.KindPeer, store.Key{uint64(b.Address())})
	assert.NoError(t, err, "expired peers are saved first")
}

func TestWhoisCoalesced(t *testing.T) {
	w, _, leaves := star(t, 1)
	a := leaves[0]
	w.advance(1000)
	unknown := identity.Address(0x0102030405)

	a.requestWhois(w.now, unknown)
	a.requestWhois(w.now+10, unknown)
	assert.Len(t, w.queue, 1)
	w.pump()

	w.advance(a.settings.WhoisRetryInterval)
	a.Pulse(w.now)
	require.NotEmpty(t, w.queue, "unanswered WHOIS is retried")
	w.queue = nil

	w.advance(whoisGiveUp * a.settings.WhoisRetryInterval)
	a.retryWhois(w.now)
	a.whoisMu.Lock()
	assert.NotContains(t, a.whoisPending, unknown)
	a.whoisMu.Unlock()
}

func TestCloseSavesPeers(t *testing.T) {
	w, root, leaves := star(t, 1)
	a := leaves[0]
	a.Close()
	assert.Empty(t, a.Peers())
	_, err := w.stores[a.Address()].Get(store.KindPeer, store.Key{uint64(root.Address())})
	assert.NoError(t, err)
}

// forged builds a packet header addressed to dst from src with an arbitrary,
// unauthenticated tail.
func forged(dst, src identity.Address, suite protocol.CipherSuite, tail []byte) []byte {
	b := make([]byte, protocol.HeaderSize, protocol.HeaderSize+len(tail))
	dst.PutBytes(b[8:])
	src.PutBytes(b[13:])
	b[18] = byte(suite) << 3
	return append(b, tail...)
}

func TestUnauthenticatedFloodStaysBounded(t *testing.T) {
	w := newTestWire(t)
	n, _ := w.add(nil, DefaultSettings())
	root, rootEP := w.add(nil, DefaultSettings())
	require.NoError(t, n.SetRoot(w.now, root.Identity().PublicOnly(), testSocket, rootEP))
	w.pulse()
	pathsBefore := len(n.paths)

	strangers := make([]*identity.Identity, 4)
	for i := range strangers {
		var err error
		strangers[i], err = identity.Generate()
		require.NoError(t, err)
	}
	body := make([]byte, 32)
	for i := range body {
		body[i] = byte(i * 7)
	}

	const flood = 5000
	for i := 0; i < flood; i++ {
		from := netip.AddrPortFrom(netip.MustParseAddr("203.0.113.7"), uint16(1024+i))
		src := identity.Address(0x0100000000 + uint64(i))
		n.ProcessWirePacket(w.now, testSocket, from, forged(n.Address(), src, protocol.CipherSIV, body))
		n.ProcessWirePacket(w.now, testSocket, from, body[:i%protocol.HeaderSize])
		s := strangers[i%len(strangers)]
		hello := append(s.Marshal(false), body...)
		n.ProcessWirePacket(w.now, testSocket, from, forged(n.Address(), s.Address(), protocol.CipherHello, hello))
	}

	assert.Equal(t, pathsBefore, len(n.paths), "no path is interned before authentication")
	assert.Len(t, n.Peers(), 1, "failed HELLOs leave no peer behind")
	assert.Equal(t, maxWhoisPending, len(n.whoisPending))

	for i := 0; i < 10; i++ {
		w.advance(60_000)
		w.pulse()
	}
	assert.Empty(t, n.whoisPending)
	assert.LessOrEqual(t, len(n.paths), n.settings.Peer.MaxPaths)
	assert.Len(t, n.Peers(), 1)
}

func TestUnusedPathsPruned(t *testing.T) {
	w, root, leaves := star(t, 1)
	a := leaves[0]
	timeout := a.settings.Peer.PathAliveTimeout

	stray := netip.MustParseAddrPort("198.51.100.9:40000")
	p := a.Path(testSocket, stray)
	require.Same(t, p, a.Path(testSocket, stray))
	require.True(t, p.Send(a, w.now, []byte{0}))
	w.queue = nil

	w.advance(timeout - 1)
	a.Pulse(w.now)
	_, ok := a.paths[pathKey{socket: testSocket, endpoint: stray}]
	assert.True(t, ok, "recently used paths are kept")

	w.advance(1)
	w.pulse()
	_, ok = a.paths[pathKey{socket: testSocket, endpoint: stray}]
	assert.False(t, ok)

	for _, held := range a.Peer(root.Address()).Paths() {
		assert.Same(t, held, a.paths[pathKey{socket: held.Socket(), endpoint: held.Endpoint()}], "peer paths stay interned")
	}
}

func TestAcceptNetworkConfigErrors(t *testing.T) {
	w := newTestWire(t)
	n, _ := w.add(nil, DefaultSettings())
	ctl := newController(t)
	cfg := ctl.config(t, n.Address(), 1, network.TypePublic)

	assert.ErrorIs(t, n.acceptNetworkConfig(w.now, ctl.id.Address(), cfg), ErrNotJoined)

	nw, err := n.Join(w.now, ctl.nwid)
	require.NoError(t, err)
	impostor, err := identity.Generate()
	require.NoError(t, err)
	assert.ErrorIs(t, n.acceptNetworkConfig(w.now, impostor.Address(), cfg), ErrBadNetworkConfig)

	// the controller's identity is not known yet, so the signature cannot be checked
	assert.ErrorIs(t, n.acceptNetworkConfig(w.now, ctl.id.Address(), cfg), ErrBadNetworkConfig)
	assert.Nil(t, nw.Config())

	_, err = n.AddPeer(w.now, ctl.id.PublicOnly(), testSocket, netip.AddrPort{})
	require.NoError(t, err)
	require.NoError(t, n.acceptNetworkConfig(w.now, ctl.id.Address(), cfg))
	assert.NotNil(t, nw.Config())
}
