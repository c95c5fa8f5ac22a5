// Package identity implements node identities: a Curve25519 key for
// agreement, an Ed25519 key for signatures, and the 40-bit address derived
// from both.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
)

var log = logger.GetGoI2PLogger()

const (
	// TypeC25519 is the only key type: X25519 + Ed25519.
	TypeC25519 byte = 0

	// PublicKeySize is the X25519 public key followed by the Ed25519 public key.
	PublicKeySize = 64
	// PrivateKeySize is the X25519 scalar followed by the Ed25519 seed.
	PrivateKeySize = 64
	// SignatureSize is the size of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// SharedSecretSize is the size of the agreed secret (SHA-384).
	SharedSecretSize = 48
	// FingerprintSize is the size of the public key hash.
	FingerprintSize = 48

	// MarshalledPublicSize is the size of Marshal(false).
	MarshalledPublicSize = AddressLength + 1 + PublicKeySize + 1
	// MarshalledPrivateSize is the size of Marshal(true).
	MarshalledPrivateSize = MarshalledPublicSize + PrivateKeySize
)

// Fingerprint is an address paired with the SHA-384 of the public keys.
type Fingerprint struct {
	Address Address
	Hash    [FingerprintSize]byte
}

// Identity is a node identity. The private half is optional.
type Identity struct {
	address Address
	pub     [PublicKeySize]byte
	priv    []byte // nil or PrivateKeySize bytes
	hash    [FingerprintSize]byte
}

func deriveAddress(pub *[PublicKeySize]byte) (Address, [FingerprintSize]byte) {
	h := sha512.Sum384(pub[:])
	return AddressFromBytes(h[:AddressLength]), h
}

// Generate creates a new identity with a non-reserved address.
func Generate() (*Identity, error) {
	for {
		var priv [PrivateKeySize]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return nil, oops.Wrapf(err, "identity: reading random key material")
		}
		id, err := fromPrivate(priv[:])
		secure.Erase(priv[:])
		if err != nil {
			return nil, err
		}
		if id.address.IsReserved() {
			id.Erase()
			continue
		}
		log.WithFields(logger.Fields{
			"at":      "identity.Generate",
			"address": id.address.String(),
		}).Debug("generated identity")
		return id, nil
	}
}

func fromPrivate(priv []byte) (*Identity, error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrInvalidPrivateLen
	}
	id := &Identity{priv: append([]byte(nil), priv...)}
	xpub, err := curve25519.X25519(id.priv[:32], curve25519.Basepoint)
	if err != nil {
		return nil, oops.Wrapf(err, "identity: deriving x25519 public key")
	}
	copy(id.pub[:32], xpub)
	edpriv := ed25519.NewKeyFromSeed(id.priv[32:])
	copy(id.pub[32:], edpriv[32:])
	secure.Erase(edpriv)
	id.address, id.hash = deriveAddress(&id.pub)
	return id, nil
}

// Address returns the node address.
func (id *Identity) Address() Address { return id.address }

// PublicKey returns a copy of the 64-byte public key blob.
func (id *Identity) PublicKey() []byte { return append([]byte(nil), id.pub[:]...) }

// HasPrivate reports whether the private half is present.
func (id *Identity) HasPrivate() bool { return id.priv != nil }

// Fingerprint returns the address and public key hash.
func (id *Identity) Fingerprint() Fingerprint {
	return Fingerprint{Address: id.address, Hash: id.hash}
}

// PublicOnly returns a copy without the private half.
func (id *Identity) PublicOnly() *Identity {
	return &Identity{address: id.address, pub: id.pub, hash: id.hash}
}

// Equal compares the public parts.
func (id *Identity) Equal(o *Identity) bool {
	if id == nil || o == nil {
		return id == o
	}
	return id.address == o.address && id.pub == o.pub
}

// LocallyValidate checks that the address is derived from the public keys and
// is not reserved, and that any private half matches.
func (id *Identity) LocallyValidate() error {
	addr, _ := deriveAddress(&id.pub)
	if addr != id.address {
		return ErrAddressMismatch
	}
	if id.address.IsReserved() {
		return ErrReservedAddress
	}
	if id.priv != nil {
		check, err := fromPrivate(id.priv)
		if err != nil {
			return err
		}
		defer check.Erase()
		if check.pub != id.pub {
			return ErrAddressMismatch
		}
	}
	return nil
}

// Agree computes the 48-byte secret shared with other.
func (id *Identity) Agree(other *Identity) ([SharedSecretSize]byte, error) {
	var out [SharedSecretSize]byte
	if id.priv == nil {
		return out, ErrNoPrivateKey
	}
	raw, err := curve25519.X25519(id.priv[:32], other.pub[:32])
	if err != nil {
		return out, oops.Wrapf(err, "identity: x25519 agreement with %s", other.address)
	}
	out = sha512.Sum384(raw)
	secure.Erase(raw)
	return out, nil
}

// Sign signs data with the Ed25519 key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if id.priv == nil {
		return nil, ErrNoPrivateKey
	}
	k := ed25519.NewKeyFromSeed(id.priv[32:])
	defer secure.Erase(k)
	return ed25519.Sign(k, data), nil
}

// Verify checks an Ed25519 signature over data.
func (id *Identity) Verify(data, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id.pub[32:]), data, sig)
}

// Secret returns the 64 private key bytes for at-rest storage.
func (id *Identity) Secret() ([]byte, error) {
	if id.priv == nil {
		return nil, ErrNoPrivateKey
	}
	return append([]byte(nil), id.priv...), nil
}

// Erase wipes the private half.
func (id *Identity) Erase() {
	if id.priv != nil {
		secure.Erase(id.priv)
		id.priv = nil
	}
}

// Marshal encodes the identity as
// [address 5][type 1][public 64][private length 1][private 0|64].
func (id *Identity) Marshal(includePrivate bool) []byte {
	var b bytes.Buffer
	b.Grow(MarshalledPrivateSize)
	b.Write(id.address.Bytes())
	b.WriteByte(TypeC25519)
	b.Write(id.pub[:])
	if includePrivate && id.priv != nil {
		b.WriteByte(PrivateKeySize)
		b.Write(id.priv)
	} else {
		b.WriteByte(0)
	}
	return b.Bytes()
}

// Unmarshal decodes an identity and returns the bytes consumed. The decoded
// address must match the public keys.
func Unmarshal(data []byte) (*Identity, int, error) {
	if len(data) < MarshalledPublicSize {
		return nil, 0, ErrShortIdentity
	}
	if data[AddressLength] != TypeC25519 {
		return nil, 0, ErrUnknownKeyType
	}
	id := &Identity{}
	copy(id.pub[:], data[AddressLength+1:AddressLength+1+PublicKeySize])
	claimed := AddressFromBytes(data)
	id.address, id.hash = deriveAddress(&id.pub)
	if claimed != id.address {
		return nil, 0, ErrAddressMismatch
	}
	n := MarshalledPublicSize
	switch privLen := int(data[n-1]); privLen {
	case 0:
	case PrivateKeySize:
		if len(data) < n+PrivateKeySize {
			return nil, 0, ErrShortIdentity
		}
		id.priv = append([]byte(nil), data[n:n+PrivateKeySize]...)
		n += PrivateKeySize
	default:
		return nil, 0, ErrInvalidPrivateLen
	}
	return id, n, nil
}

// String returns "address:0:public" without the private half.
func (id *Identity) String() string {
	return id.address.String() + ":0:" + hex.EncodeToString(id.pub[:])
}

// PrivateString returns "address:0:public:private".
func (id *Identity) PrivateString() (string, error) {
	if id.priv == nil {
		return "", ErrNoPrivateKey
	}
	return id.String() + ":" + hex.EncodeToString(id.priv), nil
}

// FromString parses the forms produced by String and PrivateString.
func FromString(s string) (*Identity, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, ErrInvalidString
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return nil, err
	}
	if parts[1] != "0" {
		return nil, ErrUnknownKeyType
	}
	pub, err := hex.DecodeString(parts[2])
	if err != nil || len(pub) != PublicKeySize {
		return nil, ErrInvalidString
	}
	id := &Identity{}
	copy(id.pub[:], pub)
	id.address, id.hash = deriveAddress(&id.pub)
	if id.address != addr {
		return nil, ErrAddressMismatch
	}
	if len(parts) == 4 {
		priv, err := hex.DecodeString(parts[3])
		if err != nil || len(priv) != PrivateKeySize {
			return nil, ErrInvalidPrivateLen
		}
		full, err := fromPrivate(priv)
		secure.Erase(priv)
		if err != nil {
			return nil, err
		}
		if full.pub != id.pub {
			full.Erase()
			return nil, ErrAddressMismatch
		}
		return full, nil
	}
	return id, nil
}
