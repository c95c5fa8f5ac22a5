package network

import (
	"bytes"
	"math"
	"net/netip"
	"sort"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/logger"
)

type credentialKey struct {
	kind credential.Kind
	id   uint32
}

// Member is what this node knows about another member of a network: the
// credentials it has presented and the revocations issued against it.
// Member is not safe for concurrent use; Network guards it with its
// membership lock.
type Member struct {
	address identity.Address

	com                    *credential.Membership
	comRevocationThreshold int64

	capabilities map[uint32]*credential.Capability
	tags         map[uint32]*credential.Tag
	ownerships   map[uint32]*credential.Ownership
	revocations  map[credentialKey]int64

	lastPushedCredentials int64
}

func newMember(addr identity.Address) *Member {
	return &Member{
		address:               addr,
		capabilities:          map[uint32]*credential.Capability{},
		tags:                  map[uint32]*credential.Tag{},
		ownerships:            map[uint32]*credential.Ownership{},
		revocations:           map[credentialKey]int64{},
		lastPushedCredentials: math.MinInt64 / 2,
	}
}

func (m *Member) Address() identity.Address { return m.address }

// Membership returns the member's certificate of membership, if any.
func (m *Member) Membership() *credential.Membership { return m.com }

// IsAllowedOnNetwork reports whether the member may exchange traffic with us
// under cfg: always on public networks, otherwise only with an unrevoked
// certificate of membership that agrees with ours.
func (m *Member) IsAllowedOnNetwork(cfg *NetworkConfig) bool {
	if cfg.IsPublic() {
		return true
	}
	if m.com == nil || cfg.Membership == nil {
		return false
	}
	if m.com.Timestamp() <= m.comRevocationThreshold {
		return false
	}
	return cfg.Membership.AgreesWith(m.com)
}

// ShouldPushCredentials is a rate gate for sending our credentials to this
// member.
func (m *Member) ShouldPushCredentials(now, interval int64) bool {
	if now-m.lastPushedCredentials < interval {
		return false
	}
	m.lastPushedCredentials = now
	return true
}

// Add offers any credential kind to the member.
func (m *Member) Add(r credential.Resolver, c credential.Credential) credential.AddResult {
	var res credential.AddResult
	switch c := c.(type) {
	case *credential.Membership:
		res = m.addMembership(r, c)
	case *credential.Capability:
		res = addIssued(m, r, m.capabilities, c)
	case *credential.Tag:
		res = addIssued(m, r, m.tags, c)
	case *credential.Ownership:
		res = addIssued(m, r, m.ownerships, c)
	case *credential.Revocation:
		res = m.addRevocation(r, c)
	default:
		res = credential.Rejected
	}
	log.WithFields(logger.Fields{
		"at":     "network.Member.Add",
		"member": m.address.String(),
		"kind":   c.Kind().String(),
		"id":     c.ID(),
		"result": res.String(),
	}).Debug("credential offered")
	return res
}

func (m *Member) addMembership(r credential.Resolver, com *credential.Membership) credential.AddResult {
	if com.IssuedTo() != m.address {
		return credential.Rejected
	}
	ts := com.Timestamp()
	if ts <= m.comRevocationThreshold {
		return credential.Rejected
	}
	if m.com != nil {
		old := m.com.Timestamp()
		if ts < old {
			return credential.Rejected
		}
		if bytes.Equal(m.com.Marshal(), com.Marshal()) {
			return credential.AcceptedRedundant
		}
		if ts == old {
			return credential.Rejected
		}
	}
	switch com.Verify(r) {
	case credential.VerifyOK:
		m.com = com
		return credential.AcceptedNew
	case credential.VerifyNeedIdentity:
		return credential.DeferredForWhois
	}
	return credential.Rejected
}

type issuedCredential interface {
	credential.Credential
	IssuedTo() identity.Address
}

// addIssued applies the per-ID monotonic update rule: older is rejected, an
// identical copy is redundant, a different credential with the same
// timestamp is rejected, and anything at or below a revocation threshold is
// rejected before its signature is checked.
func addIssued[C issuedCredential](m *Member, r credential.Resolver, have map[uint32]C, c C) credential.AddResult {
	if c.IssuedTo() != m.address {
		return credential.Rejected
	}
	if old, ok := have[c.ID()]; ok {
		if old.Timestamp() > c.Timestamp() {
			return credential.Rejected
		}
		if bytes.Equal(old.Marshal(), c.Marshal()) {
			return credential.AcceptedRedundant
		}
		if old.Timestamp() == c.Timestamp() {
			return credential.Rejected
		}
	}
	if t, ok := m.revocations[credentialKey{c.Kind(), c.ID()}]; ok && t >= c.Timestamp() {
		return credential.Rejected
	}
	switch c.Verify(r) {
	case credential.VerifyOK:
		have[c.ID()] = c
		return credential.AcceptedNew
	case credential.VerifyNeedIdentity:
		return credential.DeferredForWhois
	}
	return credential.Rejected
}

func (m *Member) addRevocation(r credential.Resolver, rev *credential.Revocation) credential.AddResult {
	if rev.Target() != m.address {
		return credential.Rejected
	}
	switch rev.Verify(r) {
	case credential.VerifyOK:
	case credential.VerifyNeedIdentity:
		return credential.DeferredForWhois
	default:
		return credential.Rejected
	}

	switch kind := rev.RevokedKind(); kind {
	case credential.KindMembership:
		if rev.Threshold() <= m.comRevocationThreshold {
			return credential.AcceptedRedundant
		}
		m.comRevocationThreshold = rev.Threshold()
		return credential.AcceptedNew
	case credential.KindCapability, credential.KindTag, credential.KindOwnership:
		k := credentialKey{kind, rev.RevokedID()}
		if t, ok := m.revocations[k]; ok && t >= rev.Threshold() {
			return credential.AcceptedRedundant
		}
		m.revocations[k] = rev.Threshold()
		m.pruneRevoked(k, rev.Threshold())
		return credential.AcceptedNew
	}
	return credential.Rejected
}

func (m *Member) pruneRevoked(k credentialKey, threshold int64) {
	switch k.kind {
	case credential.KindCapability:
		if c, ok := m.capabilities[k.id]; ok && c.Timestamp() <= threshold {
			delete(m.capabilities, k.id)
		}
	case credential.KindTag:
		if c, ok := m.tags[k.id]; ok && c.Timestamp() <= threshold {
			delete(m.tags, k.id)
		}
	case credential.KindOwnership:
		if c, ok := m.ownerships[k.id]; ok && c.Timestamp() <= threshold {
			delete(m.ownerships, k.id)
		}
	}
}

// credentialValid checks a stored credential against the config's time
// window and the revocation thresholds.
func (m *Member) credentialValid(cfg *NetworkConfig, c credential.Credential) bool {
	d := c.Timestamp() - cfg.Timestamp
	if d < 0 {
		d = -d
	}
	if d > cfg.CredentialTimeMaxDelta {
		return false
	}
	t, ok := m.revocations[credentialKey{c.Kind(), c.ID()}]
	return !ok || c.Timestamp() > t
}

// Tag returns the member's valid tag with the given ID.
func (m *Member) Tag(cfg *NetworkConfig, id uint32) *credential.Tag {
	t, ok := m.tags[id]
	if !ok || !m.credentialValid(cfg, t) {
		return nil
	}
	return t
}

// Capabilities returns the member's valid capabilities in ascending ID
// order.
func (m *Member) Capabilities(cfg *NetworkConfig) []*credential.Capability {
	out := make([]*credential.Capability, 0, len(m.capabilities))
	for _, c := range m.capabilities {
		if m.credentialValid(cfg, c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ownsIP reports whether the member may source ip: its own derived
// addresses always, anything else only with a valid certificate of
// ownership.
func (m *Member) ownsIP(cfg *NetworkConfig, ip netip.Addr) bool {
	ip = ip.Unmap()
	if ip == RFC4193Addr(cfg.NetworkID, m.address) || SixPlanePrefix(cfg.NetworkID, m.address).Contains(ip) {
		return true
	}
	for _, o := range m.ownerships {
		if m.credentialValid(cfg, o) && o.OwnsIP(ip) {
			return true
		}
	}
	return false
}

func (m *Member) ownsMAC(cfg *NetworkConfig, mac MAC) bool {
	if mac.ToAddress(cfg.NetworkID) == m.address {
		return true
	}
	for _, o := range m.ownerships {
		if m.credentialValid(cfg, o) && o.OwnsMAC(uint64(mac)) {
			return true
		}
	}
	return false
}

// RFC4193Addr is the unique local IPv6 address derived from a network ID
// and node address: fd + network ID + 9993 + address.
func RFC4193Addr(nwid uint64, addr identity.Address) netip.Addr {
	var b [16]byte
	b[0] = 0xfd
	for i := 0; i < 8; i++ {
		b[1+i] = byte(nwid >> (56 - 8*i))
	}
	b[9], b[10] = 0x99, 0x93
	addr.PutBytes(b[11:])
	return netip.AddrFrom16(b)
}

// SixPlanePrefix is the /80 a node owns under the 6PLANE scheme: fc, the
// folded network ID, then the node address.
func SixPlanePrefix(nwid uint64, addr identity.Address) netip.Prefix {
	var b [16]byte
	b[0] = 0xfc
	folded := uint32(nwid>>32) ^ uint32(nwid)
	b[1], b[2], b[3], b[4] = byte(folded>>24), byte(folded>>16), byte(folded>>8), byte(folded)
	addr.PutBytes(b[5:])
	return netip.PrefixFrom(netip.AddrFrom16(b), 80)
}
