package aes

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/util/secure"
)

const (
	rounds256    = 14
	scheduleSize = 4 * (rounds256 + 1)
)

// portableBackend is the table-driven AES-256 implementation. It runs on any
// target and is the reference the hardware path is checked against.
type portableBackend struct {
	enc [scheduleSize]uint32
	dec [scheduleSize]uint32
}

func newPortableBackend(key []byte) *portableBackend {
	b := &portableBackend{}
	b.expandKey(key)
	return b
}

func subw(w uint32) uint32 {
	return uint32(sbox0[w>>24])<<24 |
		uint32(sbox0[w>>16&0xff])<<16 |
		uint32(sbox0[w>>8&0xff])<<8 |
		uint32(sbox0[w&0xff])
}

func rotw(w uint32) uint32 { return w<<8 | w>>24 }

// expandKey computes the encryption schedule and, eagerly, the decryption
// schedule for the equivalent inverse cipher.
func (b *portableBackend) expandKey(key []byte) {
	const nk = 8
	var i int
	for i = 0; i < nk; i++ {
		b.enc[i] = binary.BigEndian.Uint32(key[4*i:])
	}
	for ; i < scheduleSize; i++ {
		t := b.enc[i-1]
		if i%nk == 0 {
			t = subw(rotw(t)) ^ uint32(powx[i/nk-1])<<24
		} else if i%nk == 4 {
			t = subw(t)
		}
		b.enc[i] = b.enc[i-nk] ^ t
	}

	n := scheduleSize
	for i := 0; i < n; i += 4 {
		ei := n - i - 4
		for j := 0; j < 4; j++ {
			x := b.enc[ei+j]
			if i > 0 && i+4 < n {
				x = td0[sbox0[x>>24]] ^ td1[sbox0[x>>16&0xff]] ^ td2[sbox0[x>>8&0xff]] ^ td3[sbox0[x&0xff]]
			}
			b.dec[i+j] = x
		}
	}
}

func (b *portableBackend) encrypt(dst, src []byte) {
	xk := b.enc[:]
	s0 := binary.BigEndian.Uint32(src[0:4]) ^ xk[0]
	s1 := binary.BigEndian.Uint32(src[4:8]) ^ xk[1]
	s2 := binary.BigEndian.Uint32(src[8:12]) ^ xk[2]
	s3 := binary.BigEndian.Uint32(src[12:16]) ^ xk[3]

	k := 4
	var t0, t1, t2, t3 uint32
	for r := 0; r < rounds256-1; r++ {
		t0 = xk[k+0] ^ te0[uint8(s0>>24)] ^ te1[uint8(s1>>16)] ^ te2[uint8(s2>>8)] ^ te3[uint8(s3)]
		t1 = xk[k+1] ^ te0[uint8(s1>>24)] ^ te1[uint8(s2>>16)] ^ te2[uint8(s3>>8)] ^ te3[uint8(s0)]
		t2 = xk[k+2] ^ te0[uint8(s2>>24)] ^ te1[uint8(s3>>16)] ^ te2[uint8(s0>>8)] ^ te3[uint8(s1)]
		t3 = xk[k+3] ^ te0[uint8(s3>>24)] ^ te1[uint8(s0>>16)] ^ te2[uint8(s1>>8)] ^ te3[uint8(s2)]
		k += 4
		s0, s1, s2, s3 = t0, t1, t2, t3
	}

	s0 = uint32(sbox0[t0>>24])<<24 | uint32(sbox0[t1>>16&0xff])<<16 | uint32(sbox0[t2>>8&0xff])<<8 | uint32(sbox0[t3&0xff])
	s1 = uint32(sbox0[t1>>24])<<24 | uint32(sbox0[t2>>16&0xff])<<16 | uint32(sbox0[t3>>8&0xff])<<8 | uint32(sbox0[t0&0xff])
	s2 = uint32(sbox0[t2>>24])<<24 | uint32(sbox0[t3>>16&0xff])<<16 | uint32(sbox0[t0>>8&0xff])<<8 | uint32(sbox0[t1&0xff])
	s3 = uint32(sbox0[t3>>24])<<24 | uint32(sbox0[t0>>16&0xff])<<16 | uint32(sbox0[t1>>8&0xff])<<8 | uint32(sbox0[t2&0xff])

	binary.BigEndian.PutUint32(dst[0:4], s0^xk[k+0])
	binary.BigEndian.PutUint32(dst[4:8], s1^xk[k+1])
	binary.BigEndian.PutUint32(dst[8:12], s2^xk[k+2])
	binary.BigEndian.PutUint32(dst[12:16], s3^xk[k+3])
}

func (b *portableBackend) decrypt(dst, src []byte) {
	xk := b.dec[:]
	s0 := binary.BigEndian.Uint32(src[0:4]) ^ xk[0]
	s1 := binary.BigEndian.Uint32(src[4:8]) ^ xk[1]
	s2 := binary.BigEndian.Uint32(src[8:12]) ^ xk[2]
	s3 := binary.BigEndian.Uint32(src[12:16]) ^ xk[3]

	k := 4
	var t0, t1, t2, t3 uint32
	for r := 0; r < rounds256-1; r++ {
		t0 = xk[k+0] ^ td0[uint8(s0>>24)] ^ td1[uint8(s3>>16)] ^ td2[uint8(s2>>8)] ^ td3[uint8(s1)]
		t1 = xk[k+1] ^ td0[uint8(s1>>24)] ^ td1[uint8(s0>>16)] ^ td2[uint8(s3>>8)] ^ td3[uint8(s2)]
		t2 = xk[k+2] ^ td0[uint8(s2>>24)] ^ td1[uint8(s1>>16)] ^ td2[uint8(s0>>8)] ^ td3[uint8(s3)]
		t3 = xk[k+3] ^ td0[uint8(s3>>24)] ^ td1[uint8(s2>>16)] ^ td2[uint8(s1>>8)] ^ td3[uint8(s0)]
		k += 4
		s0, s1, s2, s3 = t0, t1, t2, t3
	}

	s0 = uint32(sbox1[t0>>24])<<24 | uint32(sbox1[t3>>16&0xff])<<16 | uint32(sbox1[t2>>8&0xff])<<8 | uint32(sbox1[t1&0xff])
	s1 = uint32(sbox1[t1>>24])<<24 | uint32(sbox1[t0>>16&0xff])<<16 | uint32(sbox1[t3>>8&0xff])<<8 | uint32(sbox1[t2&0xff])
	s2 = uint32(sbox1[t2>>24])<<24 | uint32(sbox1[t1>>16&0xff])<<16 | uint32(sbox1[t0>>8&0xff])<<8 | uint32(sbox1[t3&0xff])
	s3 = uint32(sbox1[t3>>24])<<24 | uint32(sbox1[t2>>16&0xff])<<16 | uint32(sbox1[t1>>8&0xff])<<8 | uint32(sbox1[t0&0xff])

	binary.BigEndian.PutUint32(dst[0:4], s0^xk[k+0])
	binary.BigEndian.PutUint32(dst[4:8], s1^xk[k+1])
	binary.BigEndian.PutUint32(dst[8:12], s2^xk[k+2])
	binary.BigEndian.PutUint32(dst[12:16], s3^xk[k+3])
}

func (b *portableBackend) erase() {
	secure.Erase(b.enc[:])
	secure.Erase(b.dec[:])
}
