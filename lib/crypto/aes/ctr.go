package aes

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/util/secure"
)

// CTR is a streaming counter-mode keystream bound to an output buffer. The
// counter register is 128 bits; only its low 32 bits (big-endian) advance,
// one per block. Running past 2^32 blocks from the initial counter value is
// undefined.
type CTR struct {
	c   *Cipher
	ctr [BlockSize]byte
	out []byte
	pos int

	// ks holds the current keystream block; ksUsed bytes of it are spent.
	ks     [BlockSize]byte
	ksUsed int
}

// NewCTR returns a keystream generator over c.
func NewCTR(c *Cipher) *CTR {
	return &CTR{c: c, ksUsed: BlockSize}
}

// Init loads the counter and binds output. iv is either a full 16-byte
// counter block or a 12-byte nonce, in which case the counter starts at 0.
// The caller guarantees output is large enough for every byte later passed
// to Crypt.
func (s *CTR) Init(iv []byte, output []byte) {
	switch len(iv) {
	case BlockSize:
		copy(s.ctr[:], iv)
	case 12:
		copy(s.ctr[:12], iv)
		s.ctr[12], s.ctr[13], s.ctr[14], s.ctr[15] = 0, 0, 0, 0
	default:
		panic("aes: CTR IV must be 12 or 16 bytes")
	}
	s.out = output
	s.pos = 0
	s.ksUsed = BlockSize
}

func (s *CTR) nextKeystream() {
	s.c.impl.encrypt(s.ks[:], s.ctr[:])
	n := binary.BigEndian.Uint32(s.ctr[12:]) + 1
	binary.BigEndian.PutUint32(s.ctr[12:], n)
	s.ksUsed = 0
}

// Crypt XORs input with the keystream and appends the result to the bound
// output. A partial trailing block is resumed on the next call.
func (s *CTR) Crypt(input []byte) {
	out := s.out[s.pos : s.pos+len(input)]
	s.pos += len(input)

	for s.ksUsed < BlockSize && len(input) > 0 {
		out[0] = input[0] ^ s.ks[s.ksUsed]
		s.ksUsed++
		input = input[1:]
		out = out[1:]
	}

	for len(input) >= BlockSize {
		s.nextKeystream()
		for i := 0; i < BlockSize; i++ {
			out[i] = input[i] ^ s.ks[i]
		}
		s.ksUsed = BlockSize
		input = input[BlockSize:]
		out = out[BlockSize:]
	}

	if len(input) > 0 {
		s.nextKeystream()
		for i := range input {
			out[i] = input[i] ^ s.ks[i]
		}
		s.ksUsed = len(input)
	}
}

// Finish ends the stream. Output for a trailing partial block has already
// been written by Crypt; Finish discards the unused keystream.
func (s *CTR) Finish() {
	secure.Erase(s.ks[:])
	s.ksUsed = BlockSize
}

// Written returns the number of bytes written to the bound output.
func (s *CTR) Written() int { return s.pos }
