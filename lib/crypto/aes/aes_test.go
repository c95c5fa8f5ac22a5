package aes

import (
	stdaes "crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"testing"

	"github.com/go-i2p/crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// FIPS-197 appendix C.3.
func TestCipher_KnownAnswer_AllBackends(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	pt := mustHex(t, "00112233445566778899aabbccddeeff")
	want := mustHex(t, "8ea2b7ca516745bfeafc49904b496089")

	for _, backend := range Available() {
		t.Run(backend.String(), func(t *testing.T) {
			c, err := NewWithBackend(key, backend)
			require.NoError(t, err)
			assert.Equal(t, backend, c.Backend())

			ct := make([]byte, BlockSize)
			c.Encrypt(ct, pt)
			assert.Equal(t, want, ct)

			back := make([]byte, BlockSize)
			c.Decrypt(back, ct)
			assert.Equal(t, pt, back)
		})
	}
}

func TestCipher_PortableMatchesStandardLibrary(t *testing.T) {
	for i := 0; i < 64; i++ {
		key := randomBytes(t, KeySize)
		block := randomBytes(t, BlockSize)

		ours, err := NewWithBackend(key, BackendPortable)
		require.NoError(t, err)
		ref, err := stdaes.NewCipher(key)
		require.NoError(t, err)

		got := make([]byte, BlockSize)
		want := make([]byte, BlockSize)
		ours.Encrypt(got, block)
		ref.Encrypt(want, block)
		require.Equal(t, want, got)

		ours.Decrypt(got, block)
		ref.Decrypt(want, block)
		require.Equal(t, want, got)
	}
}

func TestCipher_CrossBackendEquality(t *testing.T) {
	backends := Available()
	if len(backends) < 2 {
		t.Skip("only the portable backend is available")
	}
	for i := 0; i < 32; i++ {
		key := randomBytes(t, KeySize)
		block := randomBytes(t, BlockSize)
		var outputs [][]byte
		for _, b := range backends {
			c, err := NewWithBackend(key, b)
			require.NoError(t, err)
			out := make([]byte, BlockSize)
			c.Encrypt(out, block)
			outputs = append(outputs, out)
		}
		for _, out := range outputs[1:] {
			assert.Equal(t, outputs[0], out)
		}
	}
}

func TestCipher_RoundTripInPlace(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		orig := randomBytes(t, BlockSize)
		buf := append([]byte(nil), orig...)
		c.Encrypt(buf, buf)
		assert.NotEqual(t, orig, buf)
		c.Decrypt(buf, buf)
		assert.Equal(t, orig, buf)
	}
}

func TestCipher_InvalidKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 24, 31, 33} {
		_, err := New(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	}
}

func TestCipher_ECB(t *testing.T) {
	c, err := NewWithBackend(randomBytes(t, KeySize), BackendPortable)
	require.NoError(t, err)

	secret := randomBytes(t, 48)
	enc := make([]byte, 48)
	require.NoError(t, c.EncryptECB(enc, secret))
	assert.NotEqual(t, secret, enc)

	dec := make([]byte, 48)
	require.NoError(t, c.DecryptECB(dec, enc))
	assert.Equal(t, secret, dec)

	assert.ErrorIs(t, c.EncryptECB(make([]byte, 20), make([]byte, 20)), ErrNotBlockAligned)
}

func TestCipher_DestroyWipesSchedule(t *testing.T) {
	c, err := NewWithBackend(randomBytes(t, KeySize), BackendPortable)
	require.NoError(t, err)
	c.Destroy()

	pb := c.impl.(*portableBackend)
	for _, w := range pb.enc {
		require.Zero(t, w)
	}
	for _, w := range pb.dec {
		require.Zero(t, w)
	}
	for _, fe := range c.productTable {
		require.Equal(t, fieldElement{}, fe)
	}
}

func TestGMAC_MatchesGCMTag(t *testing.T) {
	for _, backend := range Available() {
		t.Run(backend.String(), func(t *testing.T) {
			c, err := NewWithBackend(randomBytes(t, KeySize), backend)
			require.NoError(t, err)
			gcm, err := cipher.NewGCM(c)
			require.NoError(t, err)

			for _, n := range []int{0, 1, 15, 16, 17, 100, 1024} {
				nonce := randomBytes(t, GMACIVSize)
				sealed := gcm.Seal(nil, nonce, randomBytes(t, n), nil)
				ct, wantTag := sealed[:n], sealed[n:]

				g := NewGMAC(c)
				g.Init(nonce)
				g.Update(ct)
				tag := make([]byte, BlockSize)
				g.Finish(tag)
				assert.Equal(t, wantTag, tag, "length %d", n)
			}
		})
	}
}

func TestGMAC_ChunkingInvariance(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)
	iv := randomBytes(t, GMACIVSize)
	data := randomBytes(t, 333)

	whole := NewGMAC(c)
	whole.Init(iv)
	whole.Update(data)
	want := make([]byte, BlockSize)
	whole.Finish(want)

	partitions := [][]int{
		{1, 1, 1, 330},
		{15, 1, 16, 301},
		{7, 9, 7, 9, 301},
		{333},
		{0, 100, 0, 233},
		{17, 17, 17, 17, 265},
	}
	for _, parts := range partitions {
		g := NewGMAC(c)
		g.Init(iv)
		off := 0
		for _, p := range parts {
			g.Update(data[off : off+p])
			off += p
		}
		require.Equal(t, len(data), off)
		got := make([]byte, BlockSize)
		g.Finish(got)
		assert.Equal(t, want, got, "partition %v", parts)
	}

	// one byte at a time
	g := NewGMAC(c)
	g.Init(iv)
	for i := range data {
		g.Update(data[i : i+1])
	}
	got := make([]byte, BlockSize)
	g.Finish(got)
	assert.Equal(t, want, got)
}

func TestGMAC_FinishTwicePanics(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)
	g := NewGMAC(c)
	g.Init(make([]byte, GMACIVSize))
	tag := make([]byte, BlockSize)
	g.Finish(tag)
	assert.Panics(t, func() { g.Finish(tag) })
}

func TestCTR_MatchesStandardCTR(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)

	iv := randomBytes(t, BlockSize)
	iv[12] = 0 // keep the low 32 bits far from wrapping
	plain := randomBytes(t, 1000)

	want := make([]byte, len(plain))
	cipher.NewCTR(c, iv).XORKeyStream(want, plain)

	got := make([]byte, len(plain))
	s := NewCTR(c)
	s.Init(iv, got)
	s.Crypt(plain)
	s.Finish()
	assert.Equal(t, want, got)
	assert.Equal(t, len(plain), s.Written())
}

func TestCTR_ChunkingInvariance(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)
	iv := randomBytes(t, 12)
	plain := randomBytes(t, 257)

	want := make([]byte, len(plain))
	s := NewCTR(c)
	s.Init(iv, want)
	s.Crypt(plain)
	s.Finish()

	for _, parts := range [][]int{{1, 256}, {15, 17, 225}, {16, 16, 225}, {3, 5, 7, 11, 13, 218}, {0, 257}} {
		got := make([]byte, len(plain))
		s := NewCTR(c)
		s.Init(iv, got)
		off := 0
		for _, p := range parts {
			s.Crypt(plain[off : off+p])
			off += p
		}
		s.Finish()
		assert.Equal(t, want, got, "partition %v", parts)
	}
}

func TestCTR_CounterIncrementsLow32Bits(t *testing.T) {
	c, err := New(randomBytes(t, KeySize))
	require.NoError(t, err)
	iv := make([]byte, BlockSize)
	iv[11] = 0xaa
	iv[12], iv[13], iv[14], iv[15] = 0xff, 0xff, 0xff, 0xff

	s := NewCTR(c)
	out := make([]byte, 32)
	s.Init(iv, out)
	s.Crypt(make([]byte, 32))

	// second block uses counter 0 in the low word, upper bytes untouched
	next := make([]byte, BlockSize)
	copy(next, iv)
	next[12], next[13], next[14], next[15] = 0, 0, 0, 0
	ks := make([]byte, BlockSize)
	c.Encrypt(ks, next)
	assert.Equal(t, ks, out[16:])
}
