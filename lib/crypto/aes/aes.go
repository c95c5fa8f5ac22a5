package aes

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/util/cpu"
	"github.com/go-i2p/go-vnet/lib/util/secure"
	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

const (
	// KeySize is the only supported key size (AES-256).
	KeySize = 32
	// BlockSize is the AES block size in bytes.
	BlockSize = 16
)

// Backend identifies a block cipher implementation.
type Backend uint8

const (
	// BackendAuto picks the fastest backend reported by the CPU probe.
	BackendAuto Backend = iota
	// BackendPortable is the table-driven software implementation.
	BackendPortable
	// BackendHardware uses the CPU's AES round instructions.
	BackendHardware
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendPortable:
		return "portable"
	case BackendHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// blockBackend is implemented by every AES-256 code path.
type blockBackend interface {
	encrypt(dst, src []byte)
	decrypt(dst, src []byte)
	erase()
}

// Available lists the backends usable on this host, portable first.
func Available() []Backend {
	out := []Backend{BackendPortable}
	if cpu.Features().AES {
		out = append(out, BackendHardware)
	}
	return out
}

// Cipher is a keyed AES-256 instance. After New returns, every method except
// Destroy is a pure function of its input and safe for concurrent use.
type Cipher struct {
	impl    blockBackend
	backend Backend

	// GHASH multiples of the hash subkey H = E(K, 0^128), in the reversed
	// 4-bit index order used by mulH.
	productTable [16]fieldElement
}

var _ cipher.Block = (*Cipher)(nil)

// New keys a Cipher with the best available backend.
func New(key []byte) (*Cipher, error) {
	return NewWithBackend(key, BackendAuto)
}

// NewWithBackend keys a Cipher with a specific backend. Forcing a backend is
// mostly useful for cross-validation and for callers that need the key
// schedule to be erasable.
func NewWithBackend(key []byte, backend Backend) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if backend == BackendAuto {
		backend = BackendPortable
		if cpu.Features().AES {
			backend = BackendHardware
		}
	}

	c := &Cipher{backend: backend}
	switch backend {
	case BackendPortable:
		c.impl = newPortableBackend(key)
	case BackendHardware:
		if !cpu.Features().AES {
			return nil, ErrBackendUnavailable
		}
		hw, err := newHardwareBackend(key)
		if err != nil {
			return nil, err
		}
		c.impl = hw
	default:
		return nil, ErrBackendUnavailable
	}

	c.initHashKey()
	return c, nil
}

// Backend reports which implementation this Cipher uses.
func (c *Cipher) Backend() Backend { return c.backend }

// BlockSize implements cipher.Block.
func (c *Cipher) BlockSize() int { return BlockSize }

// Encrypt implements cipher.Block. dst and src may overlap entirely.
func (c *Cipher) Encrypt(dst, src []byte) {
	if len(src) < BlockSize || len(dst) < BlockSize {
		panic("aes: input not full block")
	}
	c.impl.encrypt(dst, src)
}

// Decrypt implements cipher.Block. dst and src may overlap entirely.
func (c *Cipher) Decrypt(dst, src []byte) {
	if len(src) < BlockSize || len(dst) < BlockSize {
		panic("aes: input not full block")
	}
	c.impl.decrypt(dst, src)
}

// EncryptECB encrypts src into dst one block at a time. It is only used for
// small fixed-structure secrets at rest, never for packet payloads.
func (c *Cipher) EncryptECB(dst, src []byte) error {
	if len(src)%BlockSize != 0 || len(dst) < len(src) {
		return ErrNotBlockAligned
	}
	for i := 0; i < len(src); i += BlockSize {
		c.impl.encrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
	}
	return nil
}

// DecryptECB reverses EncryptECB.
func (c *Cipher) DecryptECB(dst, src []byte) error {
	if len(src)%BlockSize != 0 || len(dst) < len(src) {
		return ErrNotBlockAligned
	}
	for i := 0; i < len(src); i += BlockSize {
		c.impl.decrypt(dst[i:i+BlockSize], src[i:i+BlockSize])
	}
	return nil
}

// Destroy wipes the key schedule and hash subkey. The Cipher must not be
// used afterwards.
func (c *Cipher) Destroy() {
	if c.impl != nil {
		c.impl.erase()
	}
	for i := range c.productTable {
		c.productTable[i] = fieldElement{}
	}
	log.WithFields(logger.Fields{
		"at":      "aes.Cipher.Destroy",
		"backend": c.backend.String(),
	}).Debug("erased cipher key material")
}

func (c *Cipher) initHashKey() {
	var h [BlockSize]byte
	c.impl.encrypt(h[:], h[:])
	x := fieldElement{
		low:  binary.BigEndian.Uint64(h[:8]),
		high: binary.BigEndian.Uint64(h[8:]),
	}
	secure.Erase(h[:])

	c.productTable[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		c.productTable[reverseBits(i)] = gfDouble(&c.productTable[reverseBits(i/2)])
		c.productTable[reverseBits(i+1)] = gfAdd(&c.productTable[reverseBits(i)], &x)
	}
}
