package credential

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/network/rules"
)

// MaxCustody bounds the custody chain of a capability.
const MaxCustody = 7

// CustodyLink records one transfer of a capability, signed by From.
type CustodyLink struct {
	To        identity.Address
	From      identity.Address
	Signature []byte
}

// Capability grants its holder a private rule list. The controller issues it
// as the first custody link; each later link is a transfer signed by the
// previous holder.
type Capability struct {
	networkID uint64
	timestamp int64
	id        uint32
	rules     []rules.Rule
	custody   []CustodyLink
}

// NewCapability returns a capability with an empty custody chain.
func NewCapability(nwid uint64, ts int64, id uint32, list []rules.Rule) *Capability {
	return &Capability{
		networkID: nwid,
		timestamp: ts,
		id:        id,
		rules:     append([]rules.Rule(nil), list...),
	}
}

func (c *Capability) Kind() Kind             { return KindCapability }
func (c *Capability) ID() uint32             { return c.id }
func (c *Capability) NetworkID() uint64      { return c.networkID }
func (c *Capability) Timestamp() int64       { return c.timestamp }
func (c *Capability) Rules() []rules.Rule    { return c.rules }
func (c *Capability) Custody() []CustodyLink { return append([]CustodyLink(nil), c.custody...) }

// Signer is the signer of the last custody link.
func (c *Capability) Signer() identity.Address {
	if len(c.custody) == 0 {
		return 0
	}
	return c.custody[len(c.custody)-1].From
}

// IssuedTo is the current holder.
func (c *Capability) IssuedTo() identity.Address {
	if len(c.custody) == 0 {
		return 0
	}
	return c.custody[len(c.custody)-1].To
}

func (c *Capability) body() []byte {
	b := []byte{byte(KindCapability)}
	b = binary.BigEndian.AppendUint64(b, c.networkID)
	b = binary.BigEndian.AppendUint64(b, uint64(c.timestamp))
	b = binary.BigEndian.AppendUint32(b, c.id)
	return append(b, rules.Marshal(c.rules)...)
}

// linkBody is what custody link i signs: the capability body and every link
// up to and including i, without signatures.
func (c *Capability) linkBody(i int) []byte {
	b := c.body()
	for j := 0; j <= i; j++ {
		b = append(b, byte(j))
		b = append(b, c.custody[j].To.Bytes()...)
		b = append(b, c.custody[j].From.Bytes()...)
	}
	return b
}

// Sign appends a custody link transferring the capability to to. The first
// link must be signed by the network controller, later ones by the current
// holder.
func (c *Capability) Sign(signer *identity.Identity, to identity.Address) error {
	if len(c.custody) >= MaxCustody {
		return ErrCustodyChain
	}
	want := Controller(c.networkID)
	if len(c.custody) > 0 {
		want = c.IssuedTo()
	}
	if signer.Address() != want {
		return ErrCustodyChain
	}
	c.custody = append(c.custody, CustodyLink{To: to, From: signer.Address()})
	i := len(c.custody) - 1
	sig, err := signer.Sign(c.linkBody(i))
	if err != nil {
		c.custody = c.custody[:i]
		return err
	}
	c.custody[i].Signature = sig
	return nil
}

// Verify walks the custody chain. It stops at the first link whose signer is
// unknown or whose signature fails.
func (c *Capability) Verify(r Resolver) VerifyResult {
	if len(c.custody) == 0 || len(c.custody) > MaxCustody {
		return VerifyInvalid
	}
	prev := Controller(c.networkID)
	for i, l := range c.custody {
		if l.From != prev || l.To.IsReserved() {
			return VerifyInvalid
		}
		if res := verifySignature(r, l.From, c.linkBody(i), l.Signature); res != VerifyOK {
			return res
		}
		prev = l.To
	}
	return VerifyOK
}

func (c *Capability) Marshal() []byte {
	b := c.body()
	b = append(b, byte(len(c.custody)))
	for _, l := range c.custody {
		b = append(b, l.To.Bytes()...)
		b = append(b, l.From.Bytes()...)
		b = binary.BigEndian.AppendUint16(b, uint16(len(l.Signature)))
		b = append(b, l.Signature...)
	}
	return b
}

// UnmarshalCapability decodes a capability.
func UnmarshalCapability(data []byte) (*Capability, int, error) {
	r := &reader{data: data}
	if Kind(r.u8()) != KindCapability && r.err == nil {
		return nil, 0, ErrUnknownKind
	}
	c := &Capability{}
	c.networkID = r.u64()
	c.timestamp = int64(r.u64())
	c.id = r.u32()
	if r.err != nil {
		return nil, 0, r.err
	}
	list, n, err := rules.Unmarshal(data[r.p:])
	if err != nil {
		return nil, 0, err
	}
	c.rules = list
	r.p += n
	links := int(r.u8())
	if links > MaxCustody {
		return nil, 0, ErrCustodyChain
	}
	for i := 0; i < links && r.err == nil; i++ {
		l := CustodyLink{To: r.addr(), From: r.addr()}
		sl := int(r.u16())
		if sl > maxSignatureSize {
			return nil, 0, ErrSignatureSize
		}
		l.Signature = append([]byte(nil), r.bytes(sl)...)
		c.custody = append(c.custody, l)
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	return c, r.p, nil
}
