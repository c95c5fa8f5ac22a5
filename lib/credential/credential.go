// Package credential implements the signed objects network controllers issue
// to members: certificates of membership, capabilities, tags, certificates of
// ownership and revocations.
//
// Every credential encodes as [kind 1][body][signature trailer] and the
// signature covers the kind byte and body, so a signature cannot be replayed
// across credential kinds.
package credential

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

// Kind identifies a credential type on the wire and in revocations.
type Kind uint8

const (
	KindNull       Kind = 0
	KindMembership Kind = 1
	KindCapability Kind = 2
	KindTag        Kind = 3
	KindOwnership  Kind = 4
	KindRevocation Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindMembership:
		return "membership"
	case KindCapability:
		return "capability"
	case KindTag:
		return "tag"
	case KindOwnership:
		return "ownership"
	case KindRevocation:
		return "revocation"
	}
	return "unknown"
}

// maxSignatureSize bounds the signature field on decode.
const maxSignatureSize = 96

// MaxListSize bounds the number of credentials in one NETWORK_CREDENTIALS
// payload.
const MaxListSize = 64

// Resolver looks up identities needed to check signatures.
type Resolver interface {
	// Identity returns the identity for addr, or nil if it is not known yet.
	Identity(addr identity.Address) *identity.Identity
	// RequestWhois asks the network for addr's identity.
	RequestWhois(addr identity.Address)
}

// VerifyResult is the outcome of a signature check.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyBadSignature
	VerifyNeedIdentity
	VerifyInvalid
)

func (v VerifyResult) String() string {
	switch v {
	case VerifyOK:
		return "ok"
	case VerifyBadSignature:
		return "bad-signature"
	case VerifyNeedIdentity:
		return "need-identity"
	case VerifyInvalid:
		return "invalid"
	}
	return "unknown"
}

// AddResult is the outcome of offering a credential to a member.
type AddResult int

const (
	Rejected AddResult = iota
	AcceptedNew
	AcceptedRedundant
	DeferredForWhois
)

func (a AddResult) String() string {
	switch a {
	case Rejected:
		return "rejected"
	case AcceptedNew:
		return "accepted-new"
	case AcceptedRedundant:
		return "accepted-redundant"
	case DeferredForWhois:
		return "deferred-for-whois"
	}
	return "unknown"
}

// Credential is implemented by every credential kind.
type Credential interface {
	Kind() Kind
	ID() uint32
	NetworkID() uint64
	Timestamp() int64
	Signer() identity.Address
	Verify(r Resolver) VerifyResult
	Marshal() []byte
}

// Controller returns the address of the controller that owns a network. The
// top 40 bits of a network ID are the controller's address.
func Controller(nwid uint64) identity.Address {
	return identity.Address(nwid >> 24)
}

// signed is the single-signer trailer shared by most kinds.
type signed struct {
	signer    identity.Address
	signature []byte
}

func (s *signed) Signer() identity.Address { return s.signer }

func (s *signed) sign(id *identity.Identity, body []byte) error {
	sig, err := id.Sign(body)
	if err != nil {
		return oops.Wrapf(err, "credential: signing")
	}
	s.signer = id.Address()
	s.signature = sig
	return nil
}

func (s *signed) appendTrailer(b []byte) []byte {
	b = append(b, s.signer.Bytes()...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(s.signature)))
	return append(b, s.signature...)
}

func (s *signed) readTrailer(r *reader) {
	s.signer = r.addr()
	n := int(r.u16())
	if n > maxSignatureSize {
		r.fail(ErrSignatureSize)
		return
	}
	s.signature = append([]byte(nil), r.bytes(n)...)
}

// verifyControllerSigned checks that the credential was signed by the
// network's controller.
func verifyControllerSigned(r Resolver, nwid uint64, s *signed, body []byte) VerifyResult {
	if s.signer != Controller(nwid) {
		return VerifyInvalid
	}
	return verifySignature(r, s.signer, body, s.signature)
}

func verifySignature(r Resolver, signer identity.Address, body, sig []byte) VerifyResult {
	id := r.Identity(signer)
	if id == nil {
		log.WithFields(logger.Fields{
			"at":     "credential.verifySignature",
			"signer": signer.String(),
		}).Debug("signer identity unknown, requesting WHOIS")
		r.RequestWhois(signer)
		return VerifyNeedIdentity
	}
	if !id.Verify(body, sig) {
		return VerifyBadSignature
	}
	return VerifyOK
}

// reader decodes big-endian fields with a sticky error.
type reader struct {
	data []byte
	p    int
	err  error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.p+n > len(r.data) {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.data[r.p : r.p+n]
	r.p += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) addr() identity.Address {
	if b := r.bytes(identity.AddressLength); b != nil {
		return identity.AddressFromBytes(b)
	}
	return 0
}

// Unmarshal decodes one credential of any kind and returns the bytes used.
func Unmarshal(data []byte) (Credential, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrTruncated
	}
	var (
		c   Credential
		n   int
		err error
	)
	switch Kind(data[0]) {
	case KindMembership:
		c, n, err = UnmarshalMembership(data)
	case KindCapability:
		c, n, err = UnmarshalCapability(data)
	case KindTag:
		c, n, err = UnmarshalTag(data)
	case KindOwnership:
		c, n, err = UnmarshalOwnership(data)
	case KindRevocation:
		c, n, err = UnmarshalRevocation(data)
	default:
		return nil, 0, ErrUnknownKind
	}
	if err != nil {
		return nil, 0, err
	}
	return c, n, nil
}

// MarshalList encodes credentials as [count 2][credential...].
func MarshalList(list []Credential) []byte {
	out := binary.BigEndian.AppendUint16(nil, uint16(len(list)))
	for _, c := range list {
		out = append(out, c.Marshal()...)
	}
	return out
}

// UnmarshalList decodes a MarshalList payload. Any malformed entry fails the
// whole list.
func UnmarshalList(data []byte) ([]Credential, error) {
	if len(data) < 2 {
		return nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(data))
	if n > MaxListSize {
		return nil, ErrTooMany
	}
	p := 2
	list := make([]Credential, 0, n)
	for i := 0; i < n; i++ {
		c, used, err := Unmarshal(data[p:])
		if err != nil {
			return nil, err
		}
		list = append(list, c)
		p += used
	}
	if p != len(data) {
		return nil, ErrTrailingGarbage
	}
	return list, nil
}
