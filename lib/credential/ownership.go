package credential

import (
	"bytes"
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// ThingType is the kind of address a certificate of ownership covers.
type ThingType uint8

const (
	ThingNull ThingType = 0
	ThingMAC  ThingType = 1
	ThingIPv4 ThingType = 2
	ThingIPv6 ThingType = 3
)

// MaxThings bounds the addresses in one certificate of ownership.
const MaxThings = 16

// Thing is one owned address. Value is left-aligned: MACs use 6 bytes,
// IPv4 4 bytes, IPv6 all 16.
type Thing struct {
	Type  ThingType
	Value [16]byte
}

// Ownership is a certificate of ownership: the controller's statement that a
// member may use a set of IP and MAC addresses as its source.
type Ownership struct {
	signed
	networkID uint64
	timestamp int64
	id        uint32
	issuedTo  identity.Address
	things    []Thing
}

// NewOwnership returns an unsigned certificate with no things.
func NewOwnership(nwid uint64, ts int64, issuedTo identity.Address, id uint32) *Ownership {
	return &Ownership{networkID: nwid, timestamp: ts, id: id, issuedTo: issuedTo}
}

func (o *Ownership) Kind() Kind                 { return KindOwnership }
func (o *Ownership) ID() uint32                 { return o.id }
func (o *Ownership) NetworkID() uint64          { return o.networkID }
func (o *Ownership) Timestamp() int64           { return o.timestamp }
func (o *Ownership) IssuedTo() identity.Address { return o.issuedTo }
func (o *Ownership) Things() []Thing            { return append([]Thing(nil), o.things...) }

func (o *Ownership) add(t Thing) error {
	if len(o.things) >= MaxThings {
		return ErrTooManyThings
	}
	o.things = append(o.things, t)
	return nil
}

// AddIP adds an IPv4 or IPv6 address. IPv4-mapped IPv6 addresses are stored
// as IPv4.
func (o *Ownership) AddIP(ip netip.Addr) error {
	ip = ip.Unmap()
	t := Thing{}
	switch {
	case ip.Is4():
		t.Type = ThingIPv4
		a := ip.As4()
		copy(t.Value[:], a[:])
	case ip.Is6():
		t.Type = ThingIPv6
		t.Value = ip.As16()
	default:
		return ErrUnsupportedIP
	}
	return o.add(t)
}

// AddMAC adds a 48-bit MAC address.
func (o *Ownership) AddMAC(mac uint64) error {
	t := Thing{Type: ThingMAC}
	putMAC(t.Value[:], mac)
	return o.add(t)
}

func putMAC(b []byte, mac uint64) {
	for i := 0; i < 6; i++ {
		b[i] = byte(mac >> (40 - 8*i))
	}
}

func (o *Ownership) owns(t Thing) bool {
	for _, have := range o.things {
		if have.Type == t.Type && bytes.Equal(have.Value[:], t.Value[:]) {
			return true
		}
	}
	return false
}

// OwnsIP reports whether ip is covered.
func (o *Ownership) OwnsIP(ip netip.Addr) bool {
	ip = ip.Unmap()
	t := Thing{}
	switch {
	case ip.Is4():
		t.Type = ThingIPv4
		a := ip.As4()
		copy(t.Value[:], a[:])
	case ip.Is6():
		t.Type = ThingIPv6
		t.Value = ip.As16()
	default:
		return false
	}
	return o.owns(t)
}

// OwnsMAC reports whether mac is covered.
func (o *Ownership) OwnsMAC(mac uint64) bool {
	t := Thing{Type: ThingMAC}
	putMAC(t.Value[:], mac)
	return o.owns(t)
}

func (o *Ownership) body() []byte {
	b := []byte{byte(KindOwnership)}
	b = binary.BigEndian.AppendUint64(b, o.networkID)
	b = binary.BigEndian.AppendUint64(b, uint64(o.timestamp))
	b = binary.BigEndian.AppendUint32(b, o.id)
	b = append(b, o.issuedTo.Bytes()...)
	b = append(b, byte(len(o.things)))
	for _, t := range o.things {
		b = append(b, byte(t.Type))
		b = append(b, t.Value[:]...)
	}
	return b
}

func (o *Ownership) Sign(signer *identity.Identity) error { return o.sign(signer, o.body()) }

func (o *Ownership) Verify(r Resolver) VerifyResult {
	return verifyControllerSigned(r, o.networkID, &o.signed, o.body())
}

func (o *Ownership) Marshal() []byte { return o.appendTrailer(o.body()) }

// UnmarshalOwnership decodes a certificate of ownership.
func UnmarshalOwnership(data []byte) (*Ownership, int, error) {
	r := &reader{data: data}
	if Kind(r.u8()) != KindOwnership && r.err == nil {
		return nil, 0, ErrUnknownKind
	}
	o := &Ownership{}
	o.networkID = r.u64()
	o.timestamp = int64(r.u64())
	o.id = r.u32()
	o.issuedTo = r.addr()
	n := int(r.u8())
	if n > MaxThings {
		return nil, 0, ErrTooManyThings
	}
	for i := 0; i < n && r.err == nil; i++ {
		t := Thing{Type: ThingType(r.u8())}
		copy(t.Value[:], r.bytes(16))
		o.things = append(o.things, t)
	}
	o.readTrailer(r)
	if r.err != nil {
		return nil, 0, r.err
	}
	return o, r.p, nil
}
