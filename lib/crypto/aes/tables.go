package aes

import "math/bits"

// Round tables for the portable backend. They are derived at package init
// from the GF(2^8) definition of the S-box rather than embedded as literals;
// the known-answer tests pin the result.
var (
	sbox0 [256]byte // forward S-box
	sbox1 [256]byte // inverse S-box

	te0, te1, te2, te3 [256]uint32 // encryption round tables
	td0, td1, td2, td3 [256]uint32 // decryption round tables

	powx [16]byte // round constants
)

func init() {
	buildTables()
}

// gfMul multiplies in GF(2^8) modulo x^8+x^4+x^3+x+1. Only used while
// building tables, never on secret data.
func gfMul(a, b byte) byte {
	var p byte
	for b != 0 {
		if b&1 != 0 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func buildTables() {
	var inv [256]byte
	for a := 1; a < 256; a++ {
		for b := 1; b < 256; b++ {
			if gfMul(byte(a), byte(b)) == 1 {
				inv[a] = byte(b)
				break
			}
		}
	}

	for i := 0; i < 256; i++ {
		b := inv[i]
		s := b ^ bits.RotateLeft8(b, 1) ^ bits.RotateLeft8(b, 2) ^ bits.RotateLeft8(b, 3) ^ bits.RotateLeft8(b, 4) ^ 0x63
		sbox0[i] = s
		sbox1[s] = byte(i)
	}

	for i := 0; i < 256; i++ {
		s := sbox0[i]
		w := uint32(gfMul(s, 2))<<24 | uint32(s)<<16 | uint32(s)<<8 | uint32(gfMul(s, 3))
		te0[i] = w
		te1[i] = bits.RotateLeft32(w, -8)
		te2[i] = bits.RotateLeft32(w, -16)
		te3[i] = bits.RotateLeft32(w, -24)

		d := sbox1[i]
		w = uint32(gfMul(d, 0x0e))<<24 | uint32(gfMul(d, 0x09))<<16 | uint32(gfMul(d, 0x0d))<<8 | uint32(gfMul(d, 0x0b))
		td0[i] = w
		td1[i] = bits.RotateLeft32(w, -8)
		td2[i] = bits.RotateLeft32(w, -16)
		td3[i] = bits.RotateLeft32(w, -24)
	}

	x := byte(1)
	for i := range powx {
		powx[i] = x
		x = gfMul(x, 2)
	}
}
