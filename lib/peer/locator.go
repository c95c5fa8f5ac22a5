package peer

import (
	"encoding/binary"
	"net/netip"

	"github.com/go-i2p/go-vnet/lib/identity"
)

// MaxLocatorEndpoints bounds the endpoints a locator may list.
const MaxLocatorEndpoints = 8

// Locator is a signed, timestamped list of endpoints where a node can be
// reached.
type Locator struct {
	Timestamp int64
	Endpoints []netip.AddrPort
	Signature []byte
}

func (l *Locator) marshalBody() []byte {
	b := make([]byte, 9, 9+len(l.Endpoints)*20)
	binary.BigEndian.PutUint64(b, uint64(l.Timestamp))
	b[8] = byte(len(l.Endpoints))
	for _, ep := range l.Endpoints {
		raw, _ := ep.MarshalBinary()
		b = append(b, byte(len(raw)))
		b = append(b, raw...)
	}
	return b
}

// Sign signs the locator with signer's identity key.
func (l *Locator) Sign(signer *identity.Identity) error {
	if len(l.Endpoints) > MaxLocatorEndpoints {
		return ErrBadLocator
	}
	sig, err := signer.Sign(l.marshalBody())
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

// Verify checks the signature against signer.
func (l *Locator) Verify(signer *identity.Identity) bool {
	return len(l.Signature) > 0 && signer.Verify(l.marshalBody(), l.Signature)
}

// Marshal encodes the locator including its signature.
func (l *Locator) Marshal() []byte {
	b := l.marshalBody()
	var sl [2]byte
	binary.BigEndian.PutUint16(sl[:], uint16(len(l.Signature)))
	b = append(b, sl[:]...)
	return append(b, l.Signature...)
}

// UnmarshalLocator decodes a locator and returns the bytes consumed.
func UnmarshalLocator(data []byte) (*Locator, int, error) {
	if len(data) < 9 {
		return nil, 0, ErrBadLocator
	}
	l := &Locator{Timestamp: int64(binary.BigEndian.Uint64(data))}
	count := int(data[8])
	if count > MaxLocatorEndpoints {
		return nil, 0, ErrBadLocator
	}
	p := 9
	for i := 0; i < count; i++ {
		if p >= len(data) {
			return nil, 0, ErrBadLocator
		}
		n := int(data[p])
		p++
		if p+n > len(data) {
			return nil, 0, ErrBadLocator
		}
		var ep netip.AddrPort
		if err := ep.UnmarshalBinary(data[p : p+n]); err != nil {
			return nil, 0, ErrBadLocator
		}
		l.Endpoints = append(l.Endpoints, ep)
		p += n
	}
	if p+2 > len(data) {
		return nil, 0, ErrBadLocator
	}
	sl := int(binary.BigEndian.Uint16(data[p:]))
	p += 2
	if p+sl > len(data) {
		return nil, 0, ErrBadLocator
	}
	l.Signature = append([]byte(nil), data[p:p+sl]...)
	return l, p + sl, nil
}
