package aes

import (
	stdaes "crypto/aes"
	"crypto/cipher"
)

// hardwareBackend delegates to the standard library block, which dispatches
// to AES-NI, the ARMv8 crypto extension or CPACF. It is only selected when
// the CPU probe reports AES instructions; otherwise the library itself
// would fall back to a software path and there is no reason to prefer it.
//
// The library keeps its expanded schedule private, so erase() can only drop
// the reference. Callers needing a wipe guarantee should force the portable
// backend.
type hardwareBackend struct {
	block cipher.Block
}

func newHardwareBackend(key []byte) (*hardwareBackend, error) {
	block, err := stdaes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &hardwareBackend{block: block}, nil
}

func (b *hardwareBackend) encrypt(dst, src []byte) { b.block.Encrypt(dst, src) }

func (b *hardwareBackend) decrypt(dst, src []byte) { b.block.Decrypt(dst, src) }

func (b *hardwareBackend) erase() { b.block = nil }
