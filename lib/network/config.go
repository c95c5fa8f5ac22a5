package network

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"sort"

	"github.com/go-i2p/go-vnet/lib/credential"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network/rules"
	"github.com/samber/oops"
)

// Config flags.
const (
	FlagAllowPassiveBridging          uint64 = 0x01
	FlagEnableBroadcast               uint64 = 0x02
	FlagEnableNDPEmulation            uint64 = 0x04
	FlagRulesResultOfUnsupportedMatch uint64 = 0x08
	FlagDisableCompression            uint64 = 0x10
)

// Limits applied when decoding a config.
const (
	MaxCapabilities = 128
	MaxTags         = 128
	MaxOwnerships   = 32
	MaxStaticIPs    = 32
	MaxRoutes       = 64
	MaxNameLength   = 127
)

// Type distinguishes private networks, which require agreeing certificates
// of membership, from public ones.
type Type uint8

const (
	TypePrivate Type = 0
	TypePublic  Type = 1
)

func (t Type) String() string {
	if t == TypePublic {
		return "public"
	}
	return "private"
}

// Route is a managed route pushed by the controller. An invalid Via means
// the target is reachable directly on the virtual network.
type Route struct {
	Target netip.Prefix
	Via    netip.Addr
	Flags  uint16
	Metric uint16
}

// NetworkConfig is the controller-signed configuration issued to one member.
// Capabilities and Tags are this member's own credentials and are kept
// sorted by ID.
type NetworkConfig struct {
	NetworkID              uint64
	Timestamp              int64
	CredentialTimeMaxDelta int64
	Revision               uint64
	IssuedTo               identity.Address
	Flags                  uint64
	Type                   Type
	Name                   string
	MTU                    uint16
	MulticastLimit         uint32

	Rules        []rules.Rule
	Capabilities []*credential.Capability
	Tags         []*credential.Tag
	Ownerships   []*credential.Ownership
	Membership   *credential.Membership

	StaticIPs []netip.Prefix
	Routes    []Route

	Signer    identity.Address
	Signature []byte
}

const configVersion = 1

// IsPublic reports whether members may talk without certificates of
// membership.
func (c *NetworkConfig) IsPublic() bool { return c.Type == TypePublic }

func (c *NetworkConfig) HasFlag(f uint64) bool { return c.Flags&f != 0 }

// Normalize sorts capabilities and tags by ID.
func (c *NetworkConfig) Normalize() {
	sort.Slice(c.Capabilities, func(i, j int) bool { return c.Capabilities[i].ID() < c.Capabilities[j].ID() })
	sort.Slice(c.Tags, func(i, j int) bool { return c.Tags[i].ID() < c.Tags[j].ID() })
}

// Tag returns this member's tag with the given ID.
func (c *NetworkConfig) Tag(id uint32) *credential.Tag {
	i := sort.Search(len(c.Tags), func(i int) bool { return c.Tags[i].ID() >= id })
	if i < len(c.Tags) && c.Tags[i].ID() == id {
		return c.Tags[i]
	}
	return nil
}

// OwnsIP reports whether one of this member's own certificates of ownership
// covers ip.
func (c *NetworkConfig) OwnsIP(ip netip.Addr) bool {
	for _, o := range c.Ownerships {
		if o.OwnsIP(ip) {
			return true
		}
	}
	return false
}

func (c *NetworkConfig) OwnsMAC(m MAC) bool {
	for _, o := range c.Ownerships {
		if o.OwnsMAC(uint64(m)) {
			return true
		}
	}
	return false
}

// Credentials returns every credential this member should push to peers.
func (c *NetworkConfig) Credentials() []credential.Credential {
	var out []credential.Credential
	if c.Membership != nil {
		out = append(out, c.Membership)
	}
	for _, x := range c.Capabilities {
		out = append(out, x)
	}
	for _, x := range c.Tags {
		out = append(out, x)
	}
	for _, x := range c.Ownerships {
		out = append(out, x)
	}
	return out
}

func appendBlob(b, blob []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(blob)))
	return append(b, blob...)
}

func appendSmall(b, blob []byte) []byte {
	b = append(b, byte(len(blob)))
	return append(b, blob...)
}

func (c *NetworkConfig) body() []byte {
	be := binary.BigEndian
	b := []byte{configVersion}
	b = be.AppendUint64(b, c.NetworkID)
	b = be.AppendUint64(b, uint64(c.Timestamp))
	b = be.AppendUint64(b, uint64(c.CredentialTimeMaxDelta))
	b = be.AppendUint64(b, c.Revision)
	b = append(b, c.IssuedTo.Bytes()...)
	b = be.AppendUint64(b, c.Flags)
	b = append(b, byte(c.Type))
	b = be.AppendUint16(b, c.MTU)
	b = be.AppendUint32(b, c.MulticastLimit)
	b = appendSmall(b, []byte(c.Name))
	b = append(b, rules.Marshal(c.Rules)...)

	b = append(b, byte(len(c.Capabilities)))
	for _, x := range c.Capabilities {
		b = appendBlob(b, x.Marshal())
	}
	b = append(b, byte(len(c.Tags)))
	for _, x := range c.Tags {
		b = appendBlob(b, x.Marshal())
	}
	b = append(b, byte(len(c.Ownerships)))
	for _, x := range c.Ownerships {
		b = appendBlob(b, x.Marshal())
	}
	if c.Membership != nil {
		b = append(b, 1)
		b = appendBlob(b, c.Membership.Marshal())
	} else {
		b = append(b, 0)
	}

	b = append(b, byte(len(c.StaticIPs)))
	for _, p := range c.StaticIPs {
		raw, _ := p.MarshalBinary()
		b = appendSmall(b, raw)
	}
	b = append(b, byte(len(c.Routes)))
	for _, r := range c.Routes {
		raw, _ := r.Target.MarshalBinary()
		b = appendSmall(b, raw)
		raw, _ = r.Via.MarshalBinary()
		b = appendSmall(b, raw)
		b = be.AppendUint16(b, r.Flags)
		b = be.AppendUint16(b, r.Metric)
	}
	return b
}

// Sign signs the config as the network controller.
func (c *NetworkConfig) Sign(controller *identity.Identity) error {
	c.Normalize()
	sig, err := controller.Sign(c.body())
	if err != nil {
		return oops.Wrapf(err, "network: signing config")
	}
	c.Signer = controller.Address()
	c.Signature = sig
	return nil
}

// Verify checks that the config was signed by its network's controller.
func (c *NetworkConfig) Verify(r credential.Resolver) credential.VerifyResult {
	ctl := credential.Controller(c.NetworkID)
	if c.Signer != ctl {
		return credential.VerifyInvalid
	}
	id := r.Identity(ctl)
	if id == nil {
		r.RequestWhois(ctl)
		return credential.VerifyNeedIdentity
	}
	if !id.Verify(c.body(), c.Signature) {
		return credential.VerifyBadSignature
	}
	return credential.VerifyOK
}

// Marshal encodes the config with its signature.
func (c *NetworkConfig) Marshal() []byte {
	b := c.body()
	b = append(b, c.Signer.Bytes()...)
	return appendBlob(b, c.Signature)
}

// Equal compares encoded forms, signature included.
func (c *NetworkConfig) Equal(o *NetworkConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	return bytes.Equal(c.Marshal(), o.Marshal())
}

type cursor struct {
	data []byte
	p    int
	err  error
}

func (r *cursor) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.p+n > len(r.data) {
		r.err = ErrTruncatedConfig
		return nil
	}
	b := r.data[r.p : r.p+n]
	r.p += n
	return b
}

func (r *cursor) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *cursor) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *cursor) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *cursor) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *cursor) blob() []byte  { return r.take(int(r.u16())) }
func (r *cursor) small() []byte { return r.take(int(r.u8())) }

func (r *cursor) count(max int) int {
	n := int(r.u8())
	if n > max && r.err == nil {
		r.err = ErrConfigTooLarge
	}
	return n
}

// UnmarshalConfig decodes a config produced by Marshal. Any malformed
// embedded credential fails the whole config.
func UnmarshalConfig(data []byte) (*NetworkConfig, error) {
	r := &cursor{data: data}
	if v := r.u8(); r.err == nil && v != configVersion {
		return nil, ErrConfigVersion
	}
	c := &NetworkConfig{}
	c.NetworkID = r.u64()
	c.Timestamp = int64(r.u64())
	c.CredentialTimeMaxDelta = int64(r.u64())
	c.Revision = r.u64()
	if b := r.take(identity.AddressLength); b != nil {
		c.IssuedTo = identity.AddressFromBytes(b)
	}
	c.Flags = r.u64()
	c.Type = Type(r.u8())
	c.MTU = r.u16()
	c.MulticastLimit = r.u32()
	name := r.small()
	if len(name) > MaxNameLength {
		return nil, ErrConfigTooLarge
	}
	c.Name = string(name)
	if r.err != nil {
		return nil, r.err
	}

	list, n, err := rules.Unmarshal(data[r.p:])
	if err != nil {
		return nil, oops.Wrapf(err, "network: config rules")
	}
	c.Rules = list
	r.p += n

	for i, n := 0, r.count(MaxCapabilities); i < n && r.err == nil; i++ {
		x, _, err := credential.UnmarshalCapability(r.blob())
		if err != nil {
			return nil, oops.Wrapf(err, "network: config capability")
		}
		c.Capabilities = append(c.Capabilities, x)
	}
	for i, n := 0, r.count(MaxTags); i < n && r.err == nil; i++ {
		x, _, err := credential.UnmarshalTag(r.blob())
		if err != nil {
			return nil, oops.Wrapf(err, "network: config tag")
		}
		c.Tags = append(c.Tags, x)
	}
	for i, n := 0, r.count(MaxOwnerships); i < n && r.err == nil; i++ {
		x, _, err := credential.UnmarshalOwnership(r.blob())
		if err != nil {
			return nil, oops.Wrapf(err, "network: config ownership")
		}
		c.Ownerships = append(c.Ownerships, x)
	}
	if r.u8() != 0 && r.err == nil {
		com, _, err := credential.UnmarshalMembership(r.blob())
		if err != nil {
			return nil, oops.Wrapf(err, "network: config membership")
		}
		c.Membership = com
	}

	for i, n := 0, r.count(MaxStaticIPs); i < n && r.err == nil; i++ {
		var p netip.Prefix
		if err := p.UnmarshalBinary(r.small()); err != nil && r.err == nil {
			return nil, oops.Wrapf(err, "network: config static ip")
		}
		c.StaticIPs = append(c.StaticIPs, p)
	}
	for i, n := 0, r.count(MaxRoutes); i < n && r.err == nil; i++ {
		var rt Route
		if err := rt.Target.UnmarshalBinary(r.small()); err != nil && r.err == nil {
			return nil, oops.Wrapf(err, "network: config route target")
		}
		if err := rt.Via.UnmarshalBinary(r.small()); err != nil && r.err == nil {
			return nil, oops.Wrapf(err, "network: config route via")
		}
		rt.Flags = r.u16()
		rt.Metric = r.u16()
		c.Routes = append(c.Routes, rt)
	}

	if b := r.take(identity.AddressLength); b != nil {
		c.Signer = identity.AddressFromBytes(b)
	}
	c.Signature = append([]byte(nil), r.blob()...)
	if r.err != nil {
		return nil, r.err
	}
	c.Normalize()
	return c, nil
}
