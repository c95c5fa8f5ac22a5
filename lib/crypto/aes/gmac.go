package aes

import (
	"encoding/binary"

	"github.com/go-i2p/go-vnet/lib/util/secure"
)

// GMACIVSize is the size of the IV accepted by GMAC.Init.
const GMACIVSize = 12

// fieldElement is an element of GF(2^128) in GCM bit order: low holds the
// first eight bytes of the block, high the last eight.
type fieldElement struct {
	low, high uint64
}

func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func gfAdd(x, y *fieldElement) fieldElement {
	return fieldElement{x.low ^ y.low, x.high ^ y.high}
}

func gfDouble(x *fieldElement) (double fieldElement) {
	msbSet := x.high&1 == 1
	double.high = x.high >> 1
	double.high |= x.low << 63
	double.low = x.low >> 1
	if msbSet {
		double.low ^= 0xe100000000000000
	}
	return
}

var gfReductionTable = [16]uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

// mulH sets y = y * H using the 4-bit product table.
func (c *Cipher) mulH(y *fieldElement) {
	var z fieldElement
	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}
		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(gfReductionTable[msw]) << 48

			t := &c.productTable[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}
	*y = z
}

// ghashBlocks folds whole 16-byte blocks into y.
func (c *Cipher) ghashBlocks(y *fieldElement, blocks []byte) {
	for len(blocks) >= BlockSize {
		y.low ^= binary.BigEndian.Uint64(blocks)
		y.high ^= binary.BigEndian.Uint64(blocks[8:])
		c.mulH(y)
		blocks = blocks[BlockSize:]
	}
}

type gmacState uint8

const (
	gmacUninitialized gmacState = iota
	gmacAccumulating
	gmacFinished
)

// GMAC computes a GHASH-based tag over a stream of bytes. The zero value is
// not usable; obtain one from NewGMAC. A GMAC must be re-initialized after
// Finish before it can be used again.
type GMAC struct {
	c     *Cipher
	y     fieldElement
	iv    [BlockSize]byte
	buf   [BlockSize]byte
	nbuf  int
	total uint64
	state gmacState
}

// NewGMAC returns a MAC keyed by c's hash subkey.
func NewGMAC(c *Cipher) *GMAC {
	return &GMAC{c: c}
}

// Init starts a new tag computation. iv must be 12 bytes; the trailing
// 32-bit counter of the tag mask block is fixed at 1.
func (g *GMAC) Init(iv []byte) {
	if len(iv) != GMACIVSize {
		panic("aes: GMAC IV must be 12 bytes")
	}
	g.y = fieldElement{}
	copy(g.iv[:GMACIVSize], iv)
	g.iv[12], g.iv[13], g.iv[14] = 0, 0, 0
	g.iv[15] = 1
	g.nbuf = 0
	g.total = 0
	g.state = gmacAccumulating
}

// Update folds data into the running hash. Partial blocks are carried over
// between calls so the result is independent of how the input is split.
func (g *GMAC) Update(data []byte) {
	if g.state != gmacAccumulating {
		panic("aes: GMAC.Update called without Init")
	}
	g.total += uint64(len(data))

	if g.nbuf > 0 {
		n := copy(g.buf[g.nbuf:], data)
		g.nbuf += n
		data = data[n:]
		if g.nbuf < BlockSize {
			return
		}
		g.c.ghashBlocks(&g.y, g.buf[:])
		g.nbuf = 0
	}

	if full := len(data) &^ (BlockSize - 1); full > 0 {
		g.c.ghashBlocks(&g.y, data[:full])
		data = data[full:]
	}
	g.nbuf = copy(g.buf[:], data)
}

// Finish writes the 16-byte tag into tag.
func (g *GMAC) Finish(tag []byte) {
	if g.state != gmacAccumulating {
		panic("aes: GMAC.Finish called without Init")
	}
	if len(tag) < BlockSize {
		panic("aes: GMAC tag buffer too small")
	}

	if g.nbuf > 0 {
		for i := g.nbuf; i < BlockSize; i++ {
			g.buf[i] = 0
		}
		g.c.ghashBlocks(&g.y, g.buf[:])
		g.nbuf = 0
	}

	g.y.high ^= g.total * 8
	g.c.mulH(&g.y)

	var mask [BlockSize]byte
	g.c.impl.encrypt(mask[:], g.iv[:])
	binary.BigEndian.PutUint64(tag[0:8], g.y.low^binary.BigEndian.Uint64(mask[0:8]))
	binary.BigEndian.PutUint64(tag[8:16], g.y.high^binary.BigEndian.Uint64(mask[8:16]))

	secure.Erase(mask[:])
	secure.Erase(g.buf[:])
	g.y = fieldElement{}
	g.state = gmacFinished
}
