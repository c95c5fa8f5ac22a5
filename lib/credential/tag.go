package credential

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// Tag assigns a numeric value to a member under a tag ID. Rules compare the
// sender's and receiver's values for the same ID.
type Tag struct {
	signed
	networkID uint64
	timestamp int64
	id        uint32
	value     uint32
	issuedTo  identity.Address
}

// NewTag returns an unsigned tag.
func NewTag(nwid uint64, ts int64, issuedTo identity.Address, id, value uint32) *Tag {
	return &Tag{networkID: nwid, timestamp: ts, id: id, value: value, issuedTo: issuedTo}
}

func (t *Tag) Kind() Kind                 { return KindTag }
func (t *Tag) ID() uint32                 { return t.id }
func (t *Tag) Value() uint32              { return t.value }
func (t *Tag) NetworkID() uint64          { return t.networkID }
func (t *Tag) Timestamp() int64           { return t.timestamp }
func (t *Tag) IssuedTo() identity.Address { return t.issuedTo }

func (t *Tag) body() []byte {
	b := []byte{byte(KindTag)}
	b = binary.BigEndian.AppendUint64(b, t.networkID)
	b = binary.BigEndian.AppendUint64(b, uint64(t.timestamp))
	b = binary.BigEndian.AppendUint32(b, t.id)
	b = binary.BigEndian.AppendUint32(b, t.value)
	return append(b, t.issuedTo.Bytes()...)
}

// Sign signs the tag. Only the network controller's signature verifies.
func (t *Tag) Sign(signer *identity.Identity) error { return t.sign(signer, t.body()) }

func (t *Tag) Verify(r Resolver) VerifyResult {
	return verifyControllerSigned(r, t.networkID, &t.signed, t.body())
}

func (t *Tag) Marshal() []byte { return t.appendTrailer(t.body()) }

// UnmarshalTag decodes a tag and returns the bytes used.
func UnmarshalTag(data []byte) (*Tag, int, error) {
	r := &reader{data: data}
	if Kind(r.u8()) != KindTag && r.err == nil {
		return nil, 0, ErrUnknownKind
	}
	t := &Tag{}
	t.networkID = r.u64()
	t.timestamp = int64(r.u64())
	t.id = r.u32()
	t.value = r.u32()
	t.issuedTo = r.addr()
	t.readTrailer(r)
	if r.err != nil {
		return nil, 0, r.err
	}
	return t, r.p, nil
}
