package credential

import (
	"net/netip"
	"testing"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResolver struct {
	ids   map[identity.Address]*identity.Identity
	whois []identity.Address
}

func newResolver(ids ...*identity.Identity) *testResolver {
	r := &testResolver{ids: map[identity.Address]*identity.Identity{}}
	for _, id := range ids {
		r.ids[id.Address()] = id.PublicOnly()
	}
	return r
}

func (r *testResolver) Identity(a identity.Address) *identity.Identity { return r.ids[a] }
func (r *testResolver) RequestWhois(a identity.Address)               { r.whois = append(r.whois, a) }

func genID(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

// network returns a controller identity and a network ID it owns.
func network(t *testing.T) (*identity.Identity, uint64) {
	ctl := genID(t)
	return ctl, uint64(ctl.Address())<<24 | 0x000001
}

func TestController(t *testing.T) {
	assert.Equal(t, identity.Address(0x8056c2e21c), Controller(0x8056c2e21c000001))
}

func TestTag_SignVerifyRoundTrip(t *testing.T) {
	ctl, nwid := network(t)
	member := genID(t)
	tag := NewTag(nwid, 1000, member.Address(), 7, 42)
	require.NoError(t, tag.Sign(ctl))

	r := newResolver(ctl)
	assert.Equal(t, VerifyOK, tag.Verify(r))

	got, n, err := UnmarshalTag(tag.Marshal())
	require.NoError(t, err)
	assert.Equal(t, len(tag.Marshal()), n)
	assert.Equal(t, uint32(7), got.ID())
	assert.Equal(t, uint32(42), got.Value())
	assert.Equal(t, member.Address(), got.IssuedTo())
	assert.Equal(t, VerifyOK, got.Verify(r))

	got.value = 43
	assert.Equal(t, VerifyBadSignature, got.Verify(r))
}

func TestVerify_NonControllerSignerInvalid(t *testing.T) {
	ctl, nwid := network(t)
	rogue := genID(t)
	tag := NewTag(nwid, 1000, rogue.Address(), 1, 1)
	require.NoError(t, tag.Sign(rogue))
	assert.Equal(t, VerifyInvalid, tag.Verify(newResolver(ctl, rogue)))
}

func TestVerify_UnknownSignerRequestsWhois(t *testing.T) {
	ctl, nwid := network(t)
	tag := NewTag(nwid, 1000, 0x0102030405, 1, 1)
	require.NoError(t, tag.Sign(ctl))

	r := newResolver()
	assert.Equal(t, VerifyNeedIdentity, tag.Verify(r))
	assert.Equal(t, []identity.Address{ctl.Address()}, r.whois)

	r.ids[ctl.Address()] = ctl.PublicOnly()
	assert.Equal(t, VerifyOK, tag.Verify(r))
}

func TestOwnership(t *testing.T) {
	ctl, nwid := network(t)
	coo := NewOwnership(nwid, 5, 0x0a0b0c0d0e, 3)
	require.NoError(t, coo.AddIP(netip.MustParseAddr("10.1.2.3")))
	require.NoError(t, coo.AddIP(netip.MustParseAddr("fd00::1")))
	require.NoError(t, coo.AddMAC(0x32aabbccddee))
	require.NoError(t, coo.Sign(ctl))

	got, _, err := UnmarshalOwnership(coo.Marshal())
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, got.Verify(newResolver(ctl)))
	assert.True(t, got.OwnsIP(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, got.OwnsIP(netip.MustParseAddr("::ffff:10.1.2.3")))
	assert.True(t, got.OwnsIP(netip.MustParseAddr("fd00::1")))
	assert.False(t, got.OwnsIP(netip.MustParseAddr("10.1.2.4")))
	assert.True(t, got.OwnsMAC(0x32aabbccddee))
	assert.False(t, got.OwnsMAC(0x32aabbccddef))
	assert.Len(t, got.Things(), 3)

	full := NewOwnership(nwid, 5, 1, 1)
	for i := 0; i < MaxThings; i++ {
		require.NoError(t, full.AddMAC(uint64(i)))
	}
	assert.ErrorIs(t, full.AddMAC(99), ErrTooManyThings)
	assert.ErrorIs(t, full.AddIP(netip.Addr{}), ErrUnsupportedIP)
}

func TestRevocation(t *testing.T) {
	ctl, nwid := network(t)
	rev := NewRevocation(nwid, 9, 5000, 0x0a0b0c0d0e, KindTag, 7, RevocationFastPropagate)
	require.NoError(t, rev.Sign(ctl))

	got, _, err := UnmarshalRevocation(rev.Marshal())
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, got.Verify(newResolver(ctl)))
	assert.Equal(t, int64(5000), got.Threshold())
	assert.Equal(t, KindTag, got.RevokedKind())
	assert.Equal(t, uint32(7), got.RevokedID())
	assert.Equal(t, identity.Address(0x0a0b0c0d0e), got.Target())
	assert.True(t, got.FastPropagate())
}

func TestMembership_AgreesWith(t *testing.T) {
	ctl, nwid := network(t)
	a := NewMembership(nwid, 10_000, 1_000, 0x0101010101)
	b := NewMembership(nwid, 10_800, 1_000, 0x0202020202)
	c := NewMembership(nwid, 12_000, 1_000, 0x0303030303)
	other := NewMembership(nwid+1, 10_000, 1_000, 0x0404040404)

	assert.True(t, a.AgreesWith(b))
	assert.True(t, b.AgreesWith(a))
	assert.False(t, a.AgreesWith(c), "timestamps too far apart")
	assert.False(t, a.AgreesWith(other), "different network")
	assert.False(t, a.AgreesWith(nil))

	// a qualifier we require that the other side lacks fails agreement
	require.NoError(t, a.AddQualifier(Qualifier{ID: 100, Value: 1, MaxDelta: 0}))
	assert.False(t, a.AgreesWith(b))
	assert.True(t, b.AgreesWith(a), "extra qualifiers on the other side are ignored")

	require.NoError(t, a.Sign(ctl))
	got, _, err := UnmarshalMembership(a.Marshal())
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, got.Verify(newResolver(ctl)))
	assert.Equal(t, nwid, got.NetworkID())
	assert.Equal(t, int64(10_000), got.Timestamp())
	assert.Equal(t, int64(1_000), got.MaxDelta())
	assert.Equal(t, identity.Address(0x0101010101), got.IssuedTo())
	assert.Len(t, got.Qualifiers(), 4)
}

func TestMembership_RejectsUnsortedQualifiers(t *testing.T) {
	ctl, nwid := network(t)
	m := NewMembership(nwid, 1, 1, 1)
	require.NoError(t, m.Sign(ctl))
	data := m.Marshal()
	// swap the IDs of the first two qualifiers
	data[2+7], data[2+24+7] = data[2+24+7], data[2+7]
	_, _, err := UnmarshalMembership(data)
	assert.ErrorIs(t, err, ErrBadQualifier)
}

func TestCapability_CustodyChain(t *testing.T) {
	ctl, nwid := network(t)
	alice, bob := genID(t), genID(t)
	r := newResolver(ctl, alice, bob)

	c := NewCapability(nwid, 100, 4, []rules.Rule{
		{Type: rules.MatchEtherType, EtherType: 0x0800},
		rules.Accept(),
	})
	assert.Equal(t, VerifyInvalid, c.Verify(r), "no custody yet")

	assert.ErrorIs(t, c.Sign(alice, bob.Address()), ErrCustodyChain, "first link must come from the controller")
	require.NoError(t, c.Sign(ctl, alice.Address()))
	assert.Equal(t, alice.Address(), c.IssuedTo())
	assert.Equal(t, VerifyOK, c.Verify(r))

	assert.ErrorIs(t, c.Sign(bob, bob.Address()), ErrCustodyChain, "only the holder may transfer")
	require.NoError(t, c.Sign(alice, bob.Address()))
	assert.Equal(t, bob.Address(), c.IssuedTo())
	assert.Equal(t, alice.Address(), c.Signer())

	got, n, err := UnmarshalCapability(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, len(c.Marshal()), n)
	assert.Equal(t, VerifyOK, got.Verify(r))
	assert.Equal(t, c.Rules(), got.Rules())
	assert.Len(t, got.Custody(), 2)

	// a link not signed by the previous holder breaks the chain
	got.custody[1].From = bob.Address()
	assert.Equal(t, VerifyInvalid, got.Verify(r))

	forged, _, err := UnmarshalCapability(c.Marshal())
	require.NoError(t, err)
	forged.custody[1].Signature[0] ^= 1
	assert.Equal(t, VerifyBadSignature, forged.Verify(r))
}

func TestCapability_MaxCustody(t *testing.T) {
	ctl, nwid := network(t)
	c := NewCapability(nwid, 1, 1, nil)
	require.NoError(t, c.Sign(ctl, ctl.Address()))
	for i := 1; i < MaxCustody; i++ {
		require.NoError(t, c.Sign(ctl, ctl.Address()))
	}
	assert.ErrorIs(t, c.Sign(ctl, ctl.Address()), ErrCustodyChain)
	assert.Equal(t, VerifyOK, c.Verify(newResolver(ctl)))
}

func TestList_RoundTrip(t *testing.T) {
	ctl, nwid := network(t)
	tag := NewTag(nwid, 1, 2, 3, 4)
	require.NoError(t, tag.Sign(ctl))
	com := NewMembership(nwid, 1, 1, 2)
	require.NoError(t, com.Sign(ctl))
	rev := NewRevocation(nwid, 1, 1, 2, KindMembership, 0, 0)
	require.NoError(t, rev.Sign(ctl))

	data := MarshalList([]Credential{tag, com, rev})
	list, err := UnmarshalList(data)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, KindTag, list[0].Kind())
	assert.Equal(t, KindMembership, list[1].Kind())
	assert.Equal(t, KindRevocation, list[2].Kind())
	for _, c := range list {
		assert.Equal(t, VerifyOK, c.Verify(newResolver(ctl)))
	}

	_, err = UnmarshalList(append(data, 0))
	assert.ErrorIs(t, err, ErrTrailingGarbage)
	_, err = UnmarshalList(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrTruncated)

	bad := append([]byte(nil), data...)
	bad[2] = 0x7f
	_, err = UnmarshalList(bad)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "accepted-new", AcceptedNew.String())
	assert.Equal(t, "deferred-for-whois", DeferredForWhois.String())
	assert.Equal(t, "need-identity", VerifyNeedIdentity.String())
	assert.Equal(t, "capability", KindCapability.String())
}
