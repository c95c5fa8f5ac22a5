package credential

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// RevocationFastPropagate asks receivers to forward the revocation to other
// members immediately.
const RevocationFastPropagate uint8 = 0x01

// Revocation invalidates every credential of one kind and ID, issued to
// Target, whose timestamp is at or below Threshold.
type Revocation struct {
	signed
	networkID   uint64
	id          uint32
	threshold   int64
	target      identity.Address
	revokedKind Kind
	revokedID   uint32
	flags       uint8
}

// NewRevocation returns an unsigned revocation.
func NewRevocation(nwid uint64, id uint32, threshold int64, target identity.Address, kind Kind, credentialID uint32, flags uint8) *Revocation {
	return &Revocation{
		networkID:   nwid,
		id:          id,
		threshold:   threshold,
		target:      target,
		revokedKind: kind,
		revokedID:   credentialID,
		flags:       flags,
	}
}

func (v *Revocation) Kind() Kind               { return KindRevocation }
func (v *Revocation) ID() uint32               { return v.id }
func (v *Revocation) NetworkID() uint64        { return v.networkID }
func (v *Revocation) Timestamp() int64         { return v.threshold }
func (v *Revocation) Threshold() int64         { return v.threshold }
func (v *Revocation) Target() identity.Address { return v.target }
func (v *Revocation) RevokedKind() Kind        { return v.revokedKind }
func (v *Revocation) RevokedID() uint32        { return v.revokedID }
func (v *Revocation) FastPropagate() bool      { return v.flags&RevocationFastPropagate != 0 }

func (v *Revocation) body() []byte {
	b := []byte{byte(KindRevocation)}
	b = binary.BigEndian.AppendUint64(b, v.networkID)
	b = binary.BigEndian.AppendUint32(b, v.id)
	b = binary.BigEndian.AppendUint64(b, uint64(v.threshold))
	b = append(b, v.target.Bytes()...)
	b = append(b, byte(v.revokedKind))
	b = binary.BigEndian.AppendUint32(b, v.revokedID)
	return append(b, v.flags)
}

func (v *Revocation) Sign(signer *identity.Identity) error { return v.sign(signer, v.body()) }

func (v *Revocation) Verify(r Resolver) VerifyResult {
	return verifyControllerSigned(r, v.networkID, &v.signed, v.body())
}

func (v *Revocation) Marshal() []byte { return v.appendTrailer(v.body()) }

// UnmarshalRevocation decodes a revocation.
func UnmarshalRevocation(data []byte) (*Revocation, int, error) {
	r := &reader{data: data}
	if Kind(r.u8()) != KindRevocation && r.err == nil {
		return nil, 0, ErrUnknownKind
	}
	v := &Revocation{}
	v.networkID = r.u64()
	v.id = r.u32()
	v.threshold = int64(r.u64())
	v.target = r.addr()
	v.revokedKind = Kind(r.u8())
	v.revokedID = r.u32()
	v.flags = r.u8()
	v.readTrailer(r)
	if r.err != nil {
		return nil, 0, r.err
	}
	return v, r.p, nil
}
