// Package protocol implements the encrypted packet format exchanged between
// nodes.
//
// Every packet starts with a fixed header:
//
//	[IV+MAC 0..8][dest 5][src 5][flags 1][IV+MAC 8..16]
//
// followed by an optional cleartext identity prefix (HELLO only) and the
// AES-GMAC-SIV encrypted body [verb 1][payload]. The first half of the
// IV+MAC blob doubles as the packet ID used for duplicate suppression.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/go-i2p/go-vnet/lib/crypto/aes"
	"github.com/go-i2p/go-vnet/lib/crypto/symmetric"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	idxPacketID = 0
	idxDest     = 8
	idxSource   = 13
	idxFlags    = 18
	idxMAC      = 19

	// HeaderSize is the fixed header length.
	HeaderSize = 27

	// MaxHops is the largest hop count a packet may carry.
	MaxHops = 7

	// MaxPayloadSize bounds the encrypted body.
	MaxPayloadSize = aes.MaxMessageSize - 1

	flagsHopMask    = 0x07
	flagsCipherMask = 0x38

	verbCompressed = 0x80
	verbMask       = 0x1f

	// maxInflatedSize caps decompressed payloads.
	maxInflatedSize = 1 << 20
)

// CipherSuite is carried in bits 3-5 of the flags byte.
type CipherSuite uint8

const (
	// CipherSIV is a packet encrypted under an established session key.
	CipherSIV CipherSuite = 1
	// CipherHello is encrypted under the identity key and carries the
	// sender's public identity in cleartext ahead of the body.
	CipherHello CipherSuite = 2
)

// Verb is the message type.
type Verb uint8

const (
	VerbNOP                Verb = 0x00
	VerbHello              Verb = 0x01
	VerbError              Verb = 0x02
	VerbOK                 Verb = 0x03
	VerbWhois              Verb = 0x04
	VerbEcho               Verb = 0x05
	VerbFrame              Verb = 0x06
	VerbNetworkCredentials Verb = 0x07
	VerbNetworkConfig      Verb = 0x08
	VerbNetworkConfigReq   Verb = 0x09
)

func (v Verb) String() string {
	switch v {
	case VerbNOP:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbError:
		return "ERROR"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbEcho:
		return "ECHO"
	case VerbFrame:
		return "FRAME"
	case VerbNetworkCredentials:
		return "NETWORK_CREDENTIALS"
	case VerbNetworkConfig:
		return "NETWORK_CONFIG"
	case VerbNetworkConfigReq:
		return "NETWORK_CONFIG_REQUEST"
	default:
		return fmt.Sprintf("VERB(%d)", uint8(v))
	}
}

// Header is the parsed cleartext part of a packet.
type Header struct {
	PacketID uint64
	Dest     identity.Address
	Source   identity.Address
	Hops     uint8
	Cipher   CipherSuite
}

// ParseHeader decodes the header without authenticating anything.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	h := Header{
		PacketID: binary.BigEndian.Uint64(data[idxPacketID:]),
		Dest:     identity.AddressFromBytes(data[idxDest:]),
		Source:   identity.AddressFromBytes(data[idxSource:]),
		Hops:     data[idxFlags] & flagsHopMask,
		Cipher:   CipherSuite((data[idxFlags] & flagsCipherMask) >> 3),
	}
	if h.Cipher != CipherSIV && h.Cipher != CipherHello {
		return h, ErrUnknownCipher
	}
	return h, nil
}

// IncrementHops bumps the hop counter in place for relaying.
func IncrementHops(data []byte) error {
	if len(data) < HeaderSize {
		return ErrShortPacket
	}
	hops := data[idxFlags] & flagsHopMask
	if hops >= MaxHops {
		return ErrHopLimit
	}
	data[idxFlags] = (data[idxFlags] &^ flagsHopMask) | (hops + 1)
	return nil
}

func blobOf(data []byte) [aes.IVMACSize]byte {
	var b [aes.IVMACSize]byte
	copy(b[0:8], data[idxPacketID:idxPacketID+8])
	copy(b[8:16], data[idxMAC:idxMAC+8])
	return b
}

// aad authenticates dest, source, cipher suite and any prefix. The hop count
// is masked because relays change it.
func aad(data []byte, prefix []byte) []byte {
	a := make([]byte, 0, 11+len(prefix))
	a = append(a, data[idxDest:idxFlags]...)
	a = append(a, data[idxFlags]&^flagsHopMask)
	return append(a, prefix...)
}

// Message is a decrypted packet body.
type Message struct {
	Header
	Verb    Verb
	Payload []byte
}

// Seal builds an encrypted packet from src to dst under key. When compress is
// set the payload is LZ4 compressed if that makes it smaller.
func Seal(key *symmetric.Key, src, dst identity.Address, verb Verb, payload []byte, compress bool) ([]byte, error) {
	return seal(key, CipherSIV, src, dst, nil, verb, payload, compress)
}

// SealHello builds a HELLO-suite packet carrying sender's public identity in
// cleartext. key must be the identity agreement key.
func SealHello(key *symmetric.Key, sender *identity.Identity, dst identity.Address, verb Verb, payload []byte) ([]byte, error) {
	return seal(key, CipherHello, sender.Address(), dst, sender.Marshal(false), verb, payload, false)
}

func seal(key *symmetric.Key, suite CipherSuite, src, dst identity.Address, prefix []byte, verb Verb, payload []byte, doCompress bool) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPacketTooLarge
	}
	body := payload
	vb := byte(verb) & verbMask
	if doCompress && len(payload) <= maxInflatedSize {
		if c, ok := compress(payload); ok {
			body = c
			vb |= verbCompressed
		}
	}

	plain := make([]byte, 1+len(body))
	plain[0] = vb
	copy(plain[1:], body)

	pkt := make([]byte, HeaderSize+len(prefix), HeaderSize+len(prefix)+len(plain))
	dst.PutBytes(pkt[idxDest:])
	src.PutBytes(pkt[idxSource:])
	pkt[idxFlags] = byte(suite) << 3
	copy(pkt[HeaderSize:], prefix)

	ct, blob, err := key.Seal(src, dst, aad(pkt, prefix), plain)
	if err != nil {
		return nil, err
	}
	copy(pkt[idxPacketID:], blob[0:8])
	copy(pkt[idxMAC:], blob[8:16])
	return append(pkt, ct...), nil
}

// HelloIdentity extracts the cleartext identity from a HELLO-suite packet.
// The identity is checked against the header source address but is not yet
// authenticated; Open proves possession of the matching key.
func HelloIdentity(data []byte) (*identity.Identity, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Cipher != CipherHello {
		return nil, ErrMissingIdentity
	}
	id, _, err := identity.Unmarshal(data[HeaderSize:])
	if err != nil {
		return nil, ErrMissingIdentity
	}
	if id.Address() != h.Source {
		return nil, ErrIdentityMismatch
	}
	return id.PublicOnly(), nil
}

// Open authenticates and decrypts data under key. ok is false for any
// malformed, forged or undecodable packet; callers drop those silently.
func Open(key *symmetric.Key, data []byte) (Message, bool) {
	h, err := ParseHeader(data)
	if err != nil {
		return Message{}, false
	}
	body := data[HeaderSize:]
	var prefix []byte
	if h.Cipher == CipherHello {
		_, n, err := identity.Unmarshal(body)
		if err != nil {
			return Message{}, false
		}
		prefix, body = body[:n], body[n:]
	}
	if len(body) < 1 {
		return Message{}, false
	}

	plain, ok := key.Open(blobOf(data), aad(data, prefix), body)
	if !ok {
		return Message{}, false
	}
	m := Message{Header: h, Verb: Verb(plain[0] & verbMask), Payload: plain[1:]}
	if plain[0]&verbCompressed != 0 {
		inflated, err := decompress(m.Payload, maxInflatedSize)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "protocol.Open",
				"source": h.Source.String(),
			}).Debug("dropping packet with bad compressed payload")
			return Message{}, false
		}
		m.Payload = inflated
	}
	return m, true
}
