package peer

import (
	"bytes"
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/crypto/symmetric"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/store"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Persisted peer record:
//
//	[1]   version
//	[5]   our own address when the record was written
//	[48]  identity key, AES-256-ECB encrypted under the local secret cipher
//	[..]  peer identity (public)
//	[1]   locator present
//	[..]  locator
//	[8]   protocol, major, minor, revision (big-endian uint16 each)
//	[2]   extension length, followed by that many bytes (currently zero)
const recordVersion = 1

// Marshal encodes the peer for storage.
func (p *Peer) Marshal() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(recordVersion)
	b.Write(p.ctx.Identity().Address().Bytes())

	secret := p.identityKey.Secret()
	defer secure.Erase(secret[:])
	var enc [symmetric.SecretSize]byte
	if err := p.ctx.LocalSecretCipher().EncryptECB(enc[:], secret[:]); err != nil {
		return nil, oops.Wrapf(err, "peer: encrypting identity key")
	}
	b.Write(enc[:])

	b.Write(p.id.Marshal(false))

	p.mu.RLock()
	loc, versions := p.locator, p.versions
	p.mu.RUnlock()
	if loc != nil {
		b.WriteByte(1)
		b.Write(loc.Marshal())
	} else {
		b.WriteByte(0)
	}
	for _, v := range versions {
		binary.Write(&b, binary.BigEndian, v)
	}
	binary.Write(&b, binary.BigEndian, uint16(0))
	return b.Bytes(), nil
}

// Unmarshal restores a peer. When the record was written under a different
// local identity the cached key is useless and agreement is redone.
func Unmarshal(ctx Context, now int64, data []byte) (*Peer, error) {
	const keyOff = 1 + identity.AddressLength
	if len(data) < keyOff+symmetric.SecretSize {
		return nil, ErrShortRecord
	}
	if data[0] != recordVersion {
		return nil, ErrRecordVersion
	}
	writtenBy := identity.AddressFromBytes(data[1:])
	encKey := data[keyOff : keyOff+symmetric.SecretSize]
	rest := data[keyOff+symmetric.SecretSize:]

	id, n, err := identity.Unmarshal(rest)
	if err != nil {
		return nil, oops.Wrapf(err, "peer: record identity")
	}
	rest = rest[n:]

	if len(rest) < 1 {
		return nil, ErrShortRecord
	}
	var loc *Locator
	hasLoc := rest[0] != 0
	rest = rest[1:]
	if hasLoc {
		l, n, err := UnmarshalLocator(rest)
		if err != nil {
			return nil, err
		}
		loc, rest = l, rest[n:]
	}

	if len(rest) < 10 {
		return nil, ErrShortRecord
	}
	var versions [4]uint16
	for i := range versions {
		versions[i] = binary.BigEndian.Uint16(rest[i*2:])
	}
	extLen := int(binary.BigEndian.Uint16(rest[8:]))
	if len(rest) < 10+extLen {
		return nil, ErrShortRecord
	}

	var p *Peer
	if writtenBy == ctx.Identity().Address() {
		var secret [symmetric.SecretSize]byte
		defer secure.Erase(secret[:])
		if err := ctx.LocalSecretCipher().DecryptECB(secret[:], encKey); err != nil {
			return nil, oops.Wrapf(err, "peer: decrypting identity key")
		}
		key, err := symmetric.New(now, secret[:])
		if err != nil {
			return nil, err
		}
		p = newPeer(ctx, id, key)
	} else {
		log.WithFields(logger.Fields{
			"at":      "peer.Unmarshal",
			"address": id.Address().String(),
		}).Warn("local identity changed since peer was saved, re-keying")
		if p, err = New(ctx, now, id); err != nil {
			return nil, err
		}
	}

	if loc != nil && loc.Verify(p.id) {
		p.locator = loc
	}
	p.versions = versions
	return p, nil
}

// Save writes the peer to the context's store.
func (p *Peer) Save() error {
	st := p.ctx.Store()
	if st == nil {
		return nil
	}
	data, err := p.Marshal()
	if err != nil {
		return err
	}
	return st.Put(store.KindPeer, store.Key{uint64(p.Address())}, data)
}

// Load reads a peer from the context's store.
func Load(ctx Context, now int64, addr identity.Address) (*Peer, error) {
	st := ctx.Store()
	if st == nil {
		return nil, store.ErrNotFound
	}
	data, err := st.Get(store.KindPeer, store.Key{uint64(addr)})
	if err != nil {
		return nil, err
	}
	p, err := Unmarshal(ctx, now, data)
	if err != nil {
		return nil, err
	}
	if p.Address() != addr {
		return nil, ErrRecordAddress
	}
	return p, nil
}
