package network

import (
	"net/netip"
	"testing"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/network/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4Frame(proto uint8, src, dst string, l4 []byte) []byte {
	d := make([]byte, 20, 20+len(l4))
	d[0] = 0x45
	d[9] = proto
	s, t := netip.MustParseAddr(src).As4(), netip.MustParseAddr(dst).As4()
	copy(d[12:], s[:])
	copy(d[16:], t[:])
	return append(d, l4...)
}

func ipv6Frame(next uint8, src, dst netip.Addr, payload []byte) []byte {
	d := make([]byte, 40, 40+len(payload))
	d[0] = 0x60
	d[6] = next
	s, t := src.As16(), dst.As16()
	copy(d[8:], s[:])
	copy(d[24:], t[:])
	return append(d, payload...)
}

func tcpHeader(srcPort, dstPort uint16, flags uint8) []byte {
	h := make([]byte, 20)
	h[0], h[1] = byte(srcPort>>8), byte(srcPort)
	h[2], h[3] = byte(dstPort>>8), byte(dstPort)
	h[12] = 5 << 4
	h[13] = flags
	return h
}

func outbound(fx *fixture, etherType uint16, data []byte) *Frame {
	return &Frame{
		Source:    selfAddr,
		Dest:      remoteAddr,
		MACSource: MACFromAddress(selfAddr, fx.nwid),
		MACDest:   MACFromAddress(remoteAddr, fx.nwid),
		EtherType: etherType,
		Data:      data,
	}
}

func inbound(fx *fixture, etherType uint16, data []byte) *Frame {
	return &Frame{
		Source:    remoteAddr,
		Dest:      selfAddr,
		MACSource: MACFromAddress(remoteAddr, fx.nwid),
		MACDest:   MACFromAddress(selfAddr, fx.nwid),
		EtherType: etherType,
		Data:      data,
	}
}

var (
	v4Packet = ipv4Frame(17, "10.0.0.1", "10.0.0.2", make([]byte, 8))
	v6Packet = ipv6Frame(17, netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2"), make([]byte, 8))
)

// Scenario: [MATCH NOT ethertype==IPv6, DROP].
func TestFilterNotIPv6Drop(t *testing.T) {
	fx := newFixture(t)
	cfg := fx.config(1,
		rules.Rule{Type: rules.MatchEtherType, EtherType: EtherTypeIPv6, Not: true},
		rules.Drop(),
	)
	n, _ := fx.newNetwork(t, cfg)

	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterDrop, out.Result)

	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv6, v6Packet), false)
	assert.Equal(t, FilterDrop, out.Result, "no rule accepts so the default is drop")
	assert.False(t, out.UsedCapability)
}

func TestFilterNotIPv6FallsThroughToCapability(t *testing.T) {
	fx := newFixture(t)
	cfg := fx.config(1,
		rules.Rule{Type: rules.MatchEtherType, EtherType: EtherTypeIPv6, Not: true},
		rules.Drop(),
	)
	cfg.Capabilities = []*credential.Capability{fx.capability(t, selfAddr, configTime, 77, rules.Accept())}
	n, _ := fx.newNetwork(t, cfg)

	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv6, v6Packet), false)
	assert.Equal(t, FilterAccept, out.Result)
	assert.True(t, out.UsedCapability)
	assert.Equal(t, uint32(77), out.CapabilityID)

	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterDrop, out.Result, "the base DROP wins before capabilities")
}

// Scenario: an unconditional ACCEPT accepts everything.
func TestFilterUnconditionalAccept(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1, rules.Accept()))
	for _, f := range []*Frame{
		outbound(fx, EtherTypeIPv4, v4Packet),
		outbound(fx, EtherTypeIPv6, v6Packet),
		outbound(fx, EtherTypeARP, make([]byte, 28)),
		outbound(fx, 0x88cc, nil),
	} {
		assert.Equal(t, FilterAccept, n.FilterOutgoing(f, false).Result)
	}
	assert.Equal(t, FilterAccept, n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet)).Result)
}

// Scenario: TEE to a third party records a copy and keeps evaluating; TEE to
// ourselves on inbound super-accepts.
func TestFilterTee(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.ActionTee, Address: thirdAddr, Length: 64},
		rules.Rule{Type: rules.MatchEtherType, EtherType: EtherTypeIPv4},
		rules.Accept(),
	))

	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterAccept, out.Result)
	require.Len(t, out.Tees, 1)
	assert.Equal(t, thirdAddr, out.Tees[0].Target)
	assert.Equal(t, len(v4Packet), out.Tees[0].Length, "copy length is capped at the frame")
	assert.False(t, out.Tees[0].Watch)

	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), true)
	assert.Empty(t, out.Tees)

	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv6, v6Packet), false)
	assert.Equal(t, FilterDrop, out.Result)
	assert.Empty(t, out.Tees, "dropped frames are not copied")
}

func TestFilterTeeSelfSuperAccepts(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.ActionTee, Address: selfAddr},
		rules.Drop(),
	))
	out := n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet))
	assert.Equal(t, FilterSuperAccept, out.Result)

	// outbound a TEE to ourselves is meaningless and evaluation continues
	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterDrop, out.Result)
}

func TestFilterUnmatchedWatchOfSelfStillSuperAccepts(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchEtherType, EtherType: EtherTypeIPv6},
		rules.Rule{Type: rules.ActionWatch, Address: selfAddr},
		rules.Accept(),
	))
	out := n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet))
	assert.Equal(t, FilterSuperAccept, out.Result)
}

func TestFilterRedirect(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchDestAddress, Address: remoteAddr},
		rules.Rule{Type: rules.ActionRedirect, Address: thirdAddr},
		rules.Accept(),
	))
	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterRedirect, out.Result)
	assert.Equal(t, thirdAddr, out.FinalDest)
}

// Scenario: one-byte integer range [10, 15].
func TestFilterIntegerRange(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchIntegerRange, IntStart: 10, IntDelta: 5, IntIndex: 3, IntFormat: 7},
		rules.Accept(),
	))
	for v := 0; v < 32; v++ {
		data := []byte{0, 0, 0, byte(v), 0}
		want := FilterDrop
		if v >= 10 && v <= 15 {
			want = FilterAccept
		}
		assert.Equal(t, want, n.FilterOutgoing(outbound(fx, 0x9000, data), false).Result, "value %d", v)
	}
	assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, 0x9000, []byte{12}), false).Result, "field outside the frame")
}

func TestFilterIntegerRangeWraps(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchIntegerRange, IntStart: ^uint64(0) - 1, IntDelta: 5, IntFormat: 63},
		rules.Accept(),
	))
	// start+delta wraps to 3, so the declared range is empty
	for _, v := range []uint64{^uint64(0) - 1, ^uint64(0), 0, 3} {
		data := make([]byte, 8)
		for i := range data {
			data[i] = byte(v >> (56 - 8*i))
		}
		assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, 0x9000, data), false).Result, "value %d", v)
	}
}

func TestExtractInteger(t *testing.T) {
	d := []byte{0x12, 0x34, 0x56, 0x78}
	v, ok := extractInteger(d, 0, 15)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1234), v)

	v, ok = extractInteger(d, 0, 15|rules.IntFormatLittleEndian)
	require.True(t, ok)
	assert.Equal(t, uint64(0x3412), v)

	v, ok = extractInteger(d, 1, 3)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4), v, "narrow fields keep the low bits")

	_, ok = extractInteger(d, 2, 31)
	assert.False(t, ok)
}

func TestFilterIPv6ExtensionHeaders(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchIPProtocol, IPProtocol: 6},
		rules.Rule{Type: rules.MatchIPDestPortRange, PortStart: 22, PortEnd: 22},
		rules.Accept(),
	))
	src, dst := netip.MustParseAddr("fd00::1"), netip.MustParseAddr("fd00::2")

	hopByHop := append([]byte{6, 0, 0, 0, 0, 0, 0, 0}, tcpHeader(40000, 22, 0x02)...)
	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv6, ipv6Frame(0, src, dst, hopByHop)), false)
	assert.Equal(t, FilterAccept, out.Result)

	chained := append([]byte{60, 0, 0, 0, 0, 0, 0, 0, 6, 1}, make([]byte, 14)...)
	chained = append(chained, tcpHeader(40000, 22, 0x02)...)
	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv6, ipv6Frame(43, src, dst, chained)), false)
	assert.Equal(t, FilterAccept, out.Result)

	fragment := append([]byte{6, 0, 0, 0, 0, 0, 0, 0}, tcpHeader(40000, 22, 0x02)...)
	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv6, ipv6Frame(44, src, dst, fragment)), false)
	assert.Equal(t, FilterDrop, out.Result, "fragments cannot be inspected")

	out = n.FilterOutgoing(outbound(fx, EtherTypeIPv6, ipv6Frame(6, src, dst, tcpHeader(40000, 80, 0x02))), false)
	assert.Equal(t, FilterDrop, out.Result)
}

func TestFilterICMP(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchICMP, ICMPType: 8, ICMPCode: 0, ICMPCodeValid: true},
		rules.Drop(),
		rules.Accept(),
	))
	echo := ipv4Frame(1, "10.0.0.1", "10.0.0.2", []byte{8, 0, 0, 0})
	reply := ipv4Frame(1, "10.0.0.1", "10.0.0.2", []byte{0, 0, 0, 0})
	assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, echo), false).Result)
	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, reply), false).Result)
}

func TestFilterOrChain(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchIPv4Dest, Prefix: netip.MustParsePrefix("10.1.0.0/16")},
		rules.Rule{Type: rules.MatchIPv4Dest, Prefix: netip.MustParsePrefix("10.2.0.0/16"), Or: true},
		rules.Accept(),
	))
	for dst, want := range map[string]FilterResult{
		"10.1.3.4": FilterAccept,
		"10.2.3.4": FilterAccept,
		"10.3.3.4": FilterDrop,
	} {
		f := outbound(fx, EtherTypeIPv4, ipv4Frame(17, "10.0.0.1", dst, make([]byte, 8)))
		assert.Equal(t, want, n.FilterOutgoing(f, false).Result, dst)
	}
}

func TestFilterTCPCharacteristics(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		// drop inbound connection attempts: SYN without ACK
		rules.Rule{Type: rules.MatchCharacteristics, Characteristics: rules.CharTCPSYN},
		rules.Rule{Type: rules.MatchCharacteristics, Characteristics: rules.CharTCPACK, Not: true},
		rules.Rule{Type: rules.MatchCharacteristics, Characteristics: rules.CharInbound},
		rules.Drop(),
		rules.Accept(),
	))
	syn := ipv4Frame(6, "10.0.0.1", "10.0.0.2", tcpHeader(1000, 22, 0x02))
	synAck := ipv4Frame(6, "10.0.0.1", "10.0.0.2", tcpHeader(1000, 22, 0x12))

	assert.Equal(t, FilterDrop, n.FilterIncoming(inbound(fx, EtherTypeIPv4, syn)).Result)
	assert.Equal(t, FilterAccept, n.FilterIncoming(inbound(fx, EtherTypeIPv4, synAck)).Result)
	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, syn), false).Result)
}

func TestFilterSenderIPAuthentication(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchCharacteristics, Characteristics: rules.CharSenderIPAuthenticated, Not: true},
		rules.Drop(),
		rules.Accept(),
	))
	own := RFC4193Addr(fx.nwid, remoteAddr)
	spoofed := netip.MustParseAddr("fd00::bad")
	dst := RFC4193Addr(fx.nwid, selfAddr)

	f := inbound(fx, EtherTypeIPv6, ipv6Frame(17, own, dst, make([]byte, 8)))
	assert.Equal(t, FilterAccept, n.FilterIncoming(f).Result)

	sixPlane := SixPlanePrefix(fx.nwid, remoteAddr).Addr().Next()
	f = inbound(fx, EtherTypeIPv6, ipv6Frame(17, sixPlane, dst, make([]byte, 8)))
	assert.Equal(t, FilterAccept, n.FilterIncoming(f).Result)

	f = inbound(fx, EtherTypeIPv6, ipv6Frame(17, spoofed, dst, make([]byte, 8)))
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result)

	solicit := make([]byte, 32)
	solicit[0] = 0x87
	f = inbound(fx, EtherTypeIPv6, ipv6Frame(58, spoofed, dst, solicit))
	assert.Equal(t, FilterAccept, n.FilterIncoming(f).Result, "neighbor solicitations are trusted")

	advert := make([]byte, 32)
	advert[0] = 0x88
	target := spoofed.As16()
	copy(advert[8:], target[:])
	f = inbound(fx, EtherTypeIPv6, ipv6Frame(58, own, dst, advert))
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result, "advertisements are checked on their target")

	coo := credential.NewOwnership(fx.nwid, configTime, remoteAddr, 5)
	require.NoError(t, coo.AddIP(spoofed))
	require.NoError(t, coo.Sign(fx.ctl))
	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, coo))
	assert.Equal(t, FilterAccept, n.FilterIncoming(f).Result)
}

func TestFilterTags(t *testing.T) {
	fx := newFixture(t)
	cfg := fx.config(1,
		rules.Rule{Type: rules.MatchTagsDifference, TagID: 1, TagValue: 2},
		rules.Accept(),
	)
	cfg.Tags = []*credential.Tag{fx.tag(t, selfAddr, configTime, 1, 5)}
	n, _ := fx.newNetwork(t, cfg)

	f := inbound(fx, EtherTypeIPv4, v4Packet)
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result, "inbound requires the sender's tag")
	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result,
		"outbound tolerates an unknown receiver tag")

	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, fx.tag(t, remoteAddr, configTime, 1, 7)))
	assert.Equal(t, FilterAccept, n.FilterIncoming(f).Result)

	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, fx.tag(t, remoteAddr, configTime+1, 1, 8)))
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result)

	stale := fx.tag(t, thirdAddr, configTime-cfg.CredentialTimeMaxDelta-1, 1, 5)
	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, stale))
	g := inbound(fx, EtherTypeIPv4, v4Packet)
	g.Source = thirdAddr
	assert.Equal(t, FilterDrop, n.FilterIncoming(g).Result, "tags outside the time window are ignored")
}

func TestFilterTagSenderReceiver(t *testing.T) {
	fx := newFixture(t)
	cfg := fx.config(1,
		rules.Rule{Type: rules.MatchTagSender, TagID: 4, TagValue: 1},
		rules.Accept(),
	)
	cfg.Tags = []*credential.Tag{fx.tag(t, selfAddr, configTime, 4, 1)}
	n, _ := fx.newNetwork(t, cfg)

	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)
	assert.Equal(t, FilterDrop, n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet)).Result)
	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, fx.tag(t, remoteAddr, configTime, 4, 1)))
	assert.Equal(t, FilterAccept, n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet)).Result)
}

func TestFilterInboundCapabilities(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchEtherType, EtherType: EtherTypeIPv6},
		rules.Accept(),
	))
	f := inbound(fx, EtherTypeIPv4, v4Packet)
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result)

	dropper := fx.capability(t, remoteAddr, configTime, 1, rules.Drop())
	accepter := fx.capability(t, remoteAddr, configTime, 2,
		rules.Rule{Type: rules.MatchIPv4Source, Prefix: netip.MustParsePrefix("10.0.0.0/8")},
		rules.Rule{Type: rules.ActionPriority, Priority: 1},
	)
	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, dropper))
	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, accepter))

	out := n.FilterIncoming(f)
	assert.Equal(t, FilterAccept, out.Result, "a DROP in one capability does not stop the next")
	assert.Equal(t, uint32(2), out.CapabilityID)
	assert.Equal(t, uint8(1), out.QoSBucket)

	// capabilities issued to someone else do not apply
	g := inbound(fx, EtherTypeIPv4, v4Packet)
	g.Source = thirdAddr
	assert.Equal(t, FilterDrop, n.FilterIncoming(g).Result)

	require.Equal(t, credential.AcceptedNew, n.AddCredential(fx.resolver, fx.revoke(t, remoteAddr, credential.KindCapability, 2, configTime)))
	assert.Equal(t, FilterDrop, n.FilterIncoming(f).Result)
}

func TestFilterBreakEndsList(t *testing.T) {
	fx := newFixture(t)
	cfg := fx.config(1, rules.Break(), rules.Accept())
	cfg.Capabilities = []*credential.Capability{fx.capability(t, selfAddr, configTime, 3, rules.Accept())}
	n, _ := fx.newNetwork(t, cfg)
	out := n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false)
	assert.Equal(t, FilterAccept, out.Result)
	assert.True(t, out.UsedCapability)
}

func TestFilterUnsupportedMatch(t *testing.T) {
	fx := newFixture(t)
	list := []rules.Rule{{Type: rules.Type(60)}, rules.Accept()}

	n, _ := fx.newNetwork(t, fx.config(1, list...))
	assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)

	cfg := fx.config(1, list...)
	cfg.Flags = FlagRulesResultOfUnsupportedMatch
	n, _ = fx.newNetwork(t, cfg)
	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)
}

func TestFilterRandom(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, fx.config(1,
		rules.Rule{Type: rules.MatchRandom, Probability: 1 << 31},
		rules.Accept(),
	))
	saved := randomSample
	defer func() { randomSample = saved }()

	randomSample = func() uint32 { return 1 << 30 }
	assert.Equal(t, FilterAccept, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)
	randomSample = func() uint32 { return 1<<31 + 1 }
	assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)
}

func TestFilterWithoutConfigDrops(t *testing.T) {
	fx := newFixture(t)
	n, _ := fx.newNetwork(t, nil)
	assert.Equal(t, FilterDrop, n.FilterOutgoing(outbound(fx, EtherTypeIPv4, v4Packet), false).Result)
	assert.Equal(t, FilterDrop, n.FilterIncoming(inbound(fx, EtherTypeIPv4, v4Packet)).Result)
}
