package aes

import (
	"crypto/subtle"
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/util/secure"
)

// MaxMessageSize is the largest plaintext one GMAC-SIV message may carry.
// Bit 31 of the low 64 bits of the CTR IV is forced to zero, which leaves
// 2^31 counter values before the 32-bit counter could wrap; messages are
// held to 2^31 bytes to stay inside the analysed bound.
const MaxMessageSize = 1 << 31

// IVMACSize is the size of the opaque IV+MAC blob produced by Finish2.
const IVMACSize = 16

var zeroPad [BlockSize]byte

// ctrIVFromBlob masks bit 31 of the low 64-bit big-endian word.
func ctrIVFromBlob(blob *[IVMACSize]byte) [BlockSize]byte {
	iv := *blob
	iv[12] &= 0x7f
	return iv
}

func gmacIV(messageIV []byte) []byte {
	var iv [GMACIVSize]byte
	copy(iv[:8], messageIV)
	return iv[:]
}

type sivState uint8

const (
	sivIdle sivState = iota
	sivPass1
	sivPass2
	sivDone
)

// SIVEncryptor is the sending half of AES-GMAC-SIV. Pass 1 MACs the AAD and
// plaintext under k0; Finish1 folds the tag to 64 bits, encrypts
// {message IV, folded tag} under k1 to get the opaque blob, and keys CTR
// with the masked blob; pass 2 encrypts the same plaintext.
type SIVEncryptor struct {
	gmac *GMAC
	ctr  *CTR
	k1   *Cipher

	iv      [IVMACSize]byte
	pass1   uint64
	pass2   uint64
	aadDone bool
	state   sivState
}

// NewSIVEncryptor creates an encryptor with GMAC key k0 and CTR key k1.
func NewSIVEncryptor(k0, k1 *Cipher) *SIVEncryptor {
	return &SIVEncryptor{gmac: NewGMAC(k0), ctr: NewCTR(k1), k1: k1}
}

// Init starts a message. output receives the ciphertext during pass 2.
func (e *SIVEncryptor) Init(messageIV uint64, output []byte) {
	binary.BigEndian.PutUint64(e.iv[0:8], messageIV)
	for i := 8; i < IVMACSize; i++ {
		e.iv[i] = 0
	}
	e.gmac.Init(gmacIV(e.iv[:8]))
	e.ctr.out = output
	e.pass1, e.pass2 = 0, 0
	e.aadDone = false
	e.state = sivPass1
}

// AAD authenticates additional data. It may be called at most once and
// only before Update1. The AAD is zero-padded to a block boundary.
func (e *SIVEncryptor) AAD(data []byte) {
	if e.state != sivPass1 || e.aadDone || e.pass1 != 0 {
		panic("aes: SIV AAD must precede plaintext and be supplied once")
	}
	e.aadDone = true
	feedAAD(e.gmac, data)
}

// addLength advances a running message length, panicking with
// ErrMessageTooLarge once it would pass MaxMessageSize.
func addLength(total uint64, n int) uint64 {
	total += uint64(n)
	if total > MaxMessageSize {
		panic(ErrMessageTooLarge)
	}
	return total
}

func feedAAD(g *GMAC, data []byte) {
	g.Update(data)
	if rem := len(data) & (BlockSize - 1); rem != 0 {
		g.Update(zeroPad[:BlockSize-rem])
	}
}

// Update1 feeds plaintext to the MAC pass.
func (e *SIVEncryptor) Update1(plaintext []byte) {
	if e.state != sivPass1 {
		panic("aes: SIV Update1 out of order")
	}
	e.pass1 = addLength(e.pass1, len(plaintext))
	e.gmac.Update(plaintext)
}

// Finish1 derives the synthetic IV and prepares pass 2.
func (e *SIVEncryptor) Finish1() {
	if e.state != sivPass1 {
		panic("aes: SIV Finish1 out of order")
	}
	var tag [BlockSize]byte
	e.gmac.Finish(tag[:])
	folded := binary.BigEndian.Uint64(tag[0:8]) ^ binary.BigEndian.Uint64(tag[8:16])
	binary.BigEndian.PutUint64(e.iv[8:16], folded)
	secure.Erase(tag[:])

	e.k1.impl.encrypt(e.iv[:], e.iv[:])
	ctrIV := ctrIVFromBlob(&e.iv)
	e.ctr.Init(ctrIV[:], e.ctr.out)
	e.state = sivPass2
}

// Update2 encrypts plaintext. The caller must supply exactly the bytes given
// to Update1, with any chunking.
func (e *SIVEncryptor) Update2(plaintext []byte) {
	if e.state != sivPass2 {
		panic("aes: SIV Update2 out of order")
	}
	e.pass2 = addLength(e.pass2, len(plaintext))
	e.ctr.Crypt(plaintext)
}

// Finish2 completes the message and returns the IV+MAC blob.
func (e *SIVEncryptor) Finish2() [IVMACSize]byte {
	if e.state != sivPass2 {
		panic("aes: SIV Finish2 out of order")
	}
	if e.pass1 != e.pass2 {
		panic("aes: SIV pass 2 length differs from pass 1")
	}
	e.ctr.Finish()
	e.state = sivDone
	return e.iv
}

// SIVDecryptor is the receiving half of AES-GMAC-SIV. It decrypts in one
// pass and verifies at Finish. Output written before Finish returns true
// must be treated as untrusted and discarded on failure.
type SIVDecryptor struct {
	gmac *GMAC
	ctr  *CTR
	k1   *Cipher

	ivMac [IVMACSize]byte
	n     int
	state sivState
}

// NewSIVDecryptor creates a decryptor with GMAC key k0 and CTR key k1.
func NewSIVDecryptor(k0, k1 *Cipher) *SIVDecryptor {
	return &SIVDecryptor{gmac: NewGMAC(k0), ctr: NewCTR(k1), k1: k1}
}

// Init starts decryption of the message identified by blob. output receives
// the plaintext.
func (d *SIVDecryptor) Init(blob [IVMACSize]byte, output []byte) {
	ctrIV := ctrIVFromBlob(&blob)
	d.ctr.Init(ctrIV[:], output)
	d.k1.impl.decrypt(d.ivMac[:], blob[:])
	d.gmac.Init(gmacIV(d.ivMac[:8]))
	d.n = 0
	d.state = sivPass1
}

// MessageIV returns the message IV recovered from the blob.
func (d *SIVDecryptor) MessageIV() uint64 {
	return binary.BigEndian.Uint64(d.ivMac[0:8])
}

// AAD authenticates additional data; it must match the sender's AAD.
func (d *SIVDecryptor) AAD(data []byte) {
	if d.state != sivPass1 || d.n != 0 {
		panic("aes: SIV AAD must precede ciphertext")
	}
	feedAAD(d.gmac, data)
}

// Update decrypts ciphertext into the bound output.
func (d *SIVDecryptor) Update(ciphertext []byte) {
	if d.state != sivPass1 {
		panic("aes: SIV Update out of order")
	}
	addLength(uint64(d.n), len(ciphertext))
	d.ctr.Crypt(ciphertext)
	d.n += len(ciphertext)
}

// Finish verifies the MAC over the decrypted plaintext.
func (d *SIVDecryptor) Finish() bool {
	if d.state != sivPass1 {
		panic("aes: SIV Finish out of order")
	}
	d.ctr.Finish()
	d.gmac.Update(d.ctr.out[:d.n])
	var tag [BlockSize]byte
	d.gmac.Finish(tag[:])
	var folded [8]byte
	binary.BigEndian.PutUint64(folded[:], binary.BigEndian.Uint64(tag[0:8])^binary.BigEndian.Uint64(tag[8:16]))
	secure.Erase(tag[:])
	d.state = sivDone
	return subtle.ConstantTimeCompare(folded[:], d.ivMac[8:16]) == 1
}

// SIVSeal encrypts plaintext in one call and returns ciphertext and blob.
func SIVSeal(k0, k1 *Cipher, messageIV uint64, aad, plaintext []byte) ([]byte, [IVMACSize]byte, error) {
	if uint64(len(plaintext)) > MaxMessageSize {
		return nil, [IVMACSize]byte{}, ErrMessageTooLarge
	}
	out := make([]byte, len(plaintext))
	e := NewSIVEncryptor(k0, k1)
	e.Init(messageIV, out)
	if aad != nil {
		e.AAD(aad)
	}
	e.Update1(plaintext)
	e.Finish1()
	e.Update2(plaintext)
	return out, e.Finish2(), nil
}

// SIVOpen decrypts and authenticates in one call. On failure the partially
// decrypted buffer is wiped and nil is returned.
func SIVOpen(k0, k1 *Cipher, blob [IVMACSize]byte, aad, ciphertext []byte) ([]byte, bool) {
	if uint64(len(ciphertext)) > MaxMessageSize {
		return nil, false
	}
	out := make([]byte, len(ciphertext))
	d := NewSIVDecryptor(k0, k1)
	d.Init(blob, out)
	if aad != nil {
		d.AAD(aad)
	}
	d.Update(ciphertext)
	if !d.Finish() {
		secure.Erase(out)
		return nil, false
	}
	return out, true
}
