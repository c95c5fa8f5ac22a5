package credential

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// Reserved qualifier IDs present in every certificate of membership.
const (
	QualifierTimestamp uint64 = 0
	QualifierNetworkID uint64 = 1
	QualifierIssuedTo  uint64 = 2
)

// MaxQualifiers bounds the qualifier list.
const MaxQualifiers = 8

// Qualifier is one (id, value, maxDelta) tuple. Two certificates agree on a
// qualifier when their values differ by at most the local maxDelta.
type Qualifier struct {
	ID       uint64
	Value    uint64
	MaxDelta uint64
}

// Membership is a certificate of membership. Members of a private network
// exchange them and talk only if their certificates agree.
type Membership struct {
	signed
	qualifiers []Qualifier
}

// NewMembership returns an unsigned certificate carrying the three reserved
// qualifiers. Timestamps within maxDelta of each other agree, the network ID
// must match exactly and the issued-to address is informational.
func NewMembership(nwid uint64, ts, maxDelta int64, issuedTo identity.Address) *Membership {
	return &Membership{qualifiers: []Qualifier{
		{ID: QualifierTimestamp, Value: uint64(ts), MaxDelta: uint64(maxDelta)},
		{ID: QualifierNetworkID, Value: nwid, MaxDelta: 0},
		{ID: QualifierIssuedTo, Value: uint64(issuedTo), MaxDelta: ^uint64(0)},
	}}
}

// AddQualifier inserts or replaces a qualifier, keeping the list sorted.
func (m *Membership) AddQualifier(q Qualifier) error {
	for i := range m.qualifiers {
		if m.qualifiers[i].ID == q.ID {
			m.qualifiers[i] = q
			return nil
		}
	}
	if len(m.qualifiers) >= MaxQualifiers {
		return ErrTooMany
	}
	i := 0
	for i < len(m.qualifiers) && m.qualifiers[i].ID < q.ID {
		i++
	}
	m.qualifiers = append(m.qualifiers, Qualifier{})
	copy(m.qualifiers[i+1:], m.qualifiers[i:])
	m.qualifiers[i] = q
	return nil
}

func (m *Membership) qualifier(id uint64) (Qualifier, bool) {
	for _, q := range m.qualifiers {
		if q.ID == id {
			return q, true
		}
	}
	return Qualifier{}, false
}

func (m *Membership) Kind() Kind { return KindMembership }
func (m *Membership) ID() uint32 { return 0 }

func (m *Membership) NetworkID() uint64 {
	q, _ := m.qualifier(QualifierNetworkID)
	return q.Value
}

func (m *Membership) Timestamp() int64 {
	q, _ := m.qualifier(QualifierTimestamp)
	return int64(q.Value)
}

// MaxDelta is the timestamp window this certificate accepts.
func (m *Membership) MaxDelta() int64 {
	q, _ := m.qualifier(QualifierTimestamp)
	return int64(q.MaxDelta)
}

func (m *Membership) IssuedTo() identity.Address {
	q, _ := m.qualifier(QualifierIssuedTo)
	return identity.Address(q.Value)
}

func (m *Membership) Qualifiers() []Qualifier { return append([]Qualifier(nil), m.qualifiers...) }

// AgreesWith reports whether other is acceptable to the holder of m: every
// qualifier in m must appear in other with a value no further away than m's
// maxDelta for it. Qualifiers only other carries are ignored.
func (m *Membership) AgreesWith(other *Membership) bool {
	if other == nil || len(m.qualifiers) == 0 || len(other.qualifiers) == 0 {
		return false
	}
	j := 0
	for _, q := range m.qualifiers {
		for j < len(other.qualifiers) && other.qualifiers[j].ID != q.ID {
			j++
		}
		if j >= len(other.qualifiers) {
			return false
		}
		a, b := q.Value, other.qualifiers[j].Value
		drift := a - b
		if b > a {
			drift = b - a
		}
		if drift > q.MaxDelta {
			return false
		}
	}
	return true
}

func (m *Membership) body() []byte {
	b := []byte{byte(KindMembership), byte(len(m.qualifiers))}
	for _, q := range m.qualifiers {
		b = binary.BigEndian.AppendUint64(b, q.ID)
		b = binary.BigEndian.AppendUint64(b, q.Value)
		b = binary.BigEndian.AppendUint64(b, q.MaxDelta)
	}
	return b
}

func (m *Membership) Sign(signer *identity.Identity) error { return m.sign(signer, m.body()) }

func (m *Membership) Verify(r Resolver) VerifyResult {
	return verifyControllerSigned(r, m.NetworkID(), &m.signed, m.body())
}

func (m *Membership) Marshal() []byte { return m.appendTrailer(m.body()) }

// UnmarshalMembership decodes a certificate of membership. Qualifiers must be
// strictly ascending by ID.
func UnmarshalMembership(data []byte) (*Membership, int, error) {
	r := &reader{data: data}
	if Kind(r.u8()) != KindMembership && r.err == nil {
		return nil, 0, ErrUnknownKind
	}
	n := int(r.u8())
	if n > MaxQualifiers {
		return nil, 0, ErrTooMany
	}
	m := &Membership{}
	for i := 0; i < n && r.err == nil; i++ {
		q := Qualifier{ID: r.u64(), Value: r.u64(), MaxDelta: r.u64()}
		if r.err == nil && i > 0 && q.ID <= m.qualifiers[i-1].ID {
			return nil, 0, ErrBadQualifier
		}
		m.qualifiers = append(m.qualifiers, q)
	}
	m.readTrailer(r)
	if r.err != nil {
		return nil, 0, r.err
	}
	return m, r.p, nil
}
