// Package symmetric holds the 48-byte session secrets shared between two
// nodes and the AES-GMAC-SIV ciphers keyed from them.
package symmetric

import (
	"crypto/sha512"
	"crypto/subtle"
	"io"
	"sync/atomic"

	"github.com/go-i2p/go-vnet/lib/crypto/aes"
	"github.com/go-i2p/go-vnet/lib/identity"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
)

var log = logger.GetGoI2PLogger()

// SecretSize is the size of a session secret.
const SecretSize = 48

const directionBit = uint64(1) << 63

var (
	ErrSecretSize = oops.New("symmetric: secret must be 48 bytes")
	ErrDestroyed  = oops.New("symmetric: key has been destroyed")
)

var (
	labelK0 = []byte("vnet-siv-k0")
	labelK1 = []byte("vnet-siv-k1")
)

// Key is a session secret plus the two AES-256 instances derived from it.
// Nonce issuance is lock-free and safe for concurrent use.
type Key struct {
	secret    [SecretSize]byte
	timestamp int64
	initial   uint64
	counter   atomic.Uint64
	destroyed atomic.Bool

	k0, k1 *aes.Cipher
}

// New keys a Key from secret. ts is the creation time in milliseconds and
// seeds the nonce counter so that a restarted node does not reuse nonces.
func New(ts int64, secret []byte) (*Key, error) {
	if len(secret) != SecretSize {
		return nil, ErrSecretSize
	}
	k := &Key{timestamp: ts}
	copy(k.secret[:], secret)

	var err error
	if k.k0, err = deriveCipher(k.secret[:], labelK0); err != nil {
		return nil, err
	}
	if k.k1, err = deriveCipher(k.secret[:], labelK1); err != nil {
		k.k0.Destroy()
		return nil, err
	}

	k.initial = (uint64(ts/1000) << 32) &^ directionBit
	k.counter.Store(k.initial)
	return k, nil
}

func deriveCipher(secret, label []byte) (*aes.Cipher, error) {
	var sub [aes.KeySize]byte
	defer secure.Erase(sub[:])
	if _, err := io.ReadFull(hkdf.New(sha512.New384, secret, nil, label), sub[:]); err != nil {
		return nil, oops.Wrapf(err, "symmetric: deriving sub-key")
	}
	return aes.New(sub[:])
}

// NextMessage issues a fresh 64-bit message IV for a packet from sender to
// receiver. The top bit encodes the direction so the two endpoints of a
// session never issue the same value.
func (k *Key) NextMessage(sender, receiver identity.Address) uint64 {
	n := k.counter.Add(1) &^ directionBit
	if sender > receiver {
		n |= directionBit
	}
	return n
}

// Odometer is the number of message IVs issued.
func (k *Key) Odometer() uint64 {
	return k.counter.Load() - k.initial
}

// Timestamp is the creation time in milliseconds.
func (k *Key) Timestamp() int64 { return k.timestamp }

// Secret returns a copy of the raw secret.
func (k *Key) Secret() [SecretSize]byte { return k.secret }

// Equal reports whether both keys hold the same secret.
func (k *Key) Equal(o *Key) bool {
	return o != nil && subtle.ConstantTimeCompare(k.secret[:], o.secret[:]) == 1
}

// Ciphers returns the GMAC key and the CTR key.
func (k *Key) Ciphers() (k0, k1 *aes.Cipher) { return k.k0, k.k1 }

// Seal encrypts plaintext under a fresh message IV.
func (k *Key) Seal(sender, receiver identity.Address, aad, plaintext []byte) ([]byte, [aes.IVMACSize]byte, error) {
	if k.destroyed.Load() {
		return nil, [aes.IVMACSize]byte{}, ErrDestroyed
	}
	return aes.SIVSeal(k.k0, k.k1, k.NextMessage(sender, receiver), aad, plaintext)
}

// Open authenticates and decrypts. ok is false on any failure.
func (k *Key) Open(blob [aes.IVMACSize]byte, aad, ciphertext []byte) ([]byte, bool) {
	if k.destroyed.Load() {
		return nil, false
	}
	return aes.SIVOpen(k.k0, k.k1, blob, aad, ciphertext)
}

// Destroy wipes the secret and both key schedules.
func (k *Key) Destroy() {
	if k.destroyed.Swap(true) {
		return
	}
	secure.Erase(k.secret[:])
	k.k0.Destroy()
	k.k1.Destroy()
	log.WithFields(logger.Fields{
		"at":       "symmetric.Destroy",
		"odometer": k.Odometer(),
	}).Debug("destroyed session key")
}
