package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGenerate(t *testing.T) *Identity {
	t.Helper()
	id, err := Generate()
	require.NoError(t, err)
	return id
}

func TestAddress_BytesAndString(t *testing.T) {
	a := Address(0x0123456789)
	b := a.Bytes()
	assert.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89}, b)
	assert.Equal(t, a, AddressFromBytes(b))
	assert.Equal(t, "0123456789", a.String())

	parsed, err := ParseAddress("0123456789")
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAddress("01234")
	assert.ErrorIs(t, err, ErrInvalidString)
	_, err = ParseAddress("zz23456789")
	assert.ErrorIs(t, err, ErrInvalidString)
}

func TestAddress_Reserved(t *testing.T) {
	assert.True(t, Address(0).IsReserved())
	assert.True(t, Address(0xff00000001).IsReserved())
	assert.False(t, Address(0xfe00000001).IsReserved())
}

func TestGenerate_ValidatesLocally(t *testing.T) {
	id := mustGenerate(t)
	assert.True(t, id.HasPrivate())
	assert.False(t, id.Address().IsReserved())
	assert.NoError(t, id.LocallyValidate())
	assert.NoError(t, id.PublicOnly().LocallyValidate())
}

func TestAgree_Symmetric(t *testing.T) {
	a, b := mustGenerate(t), mustGenerate(t)
	ab, err := a.Agree(b.PublicOnly())
	require.NoError(t, err)
	ba, err := b.Agree(a.PublicOnly())
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	_, err = a.PublicOnly().Agree(b)
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestSignVerify(t *testing.T) {
	id := mustGenerate(t)
	msg := []byte("network credential")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	assert.True(t, id.PublicOnly().Verify(msg, sig))

	msg[0] ^= 1
	assert.False(t, id.Verify(msg, sig))
	assert.False(t, id.Verify(msg, sig[:10]))
}

func TestMarshal_RoundTrip(t *testing.T) {
	id := mustGenerate(t)

	pub := id.Marshal(false)
	require.Len(t, pub, MarshalledPublicSize)
	got, n, err := Unmarshal(append(pub, 0xaa, 0xbb))
	require.NoError(t, err)
	assert.Equal(t, MarshalledPublicSize, n)
	assert.True(t, id.Equal(got))
	assert.False(t, got.HasPrivate())

	priv := id.Marshal(true)
	require.Len(t, priv, MarshalledPrivateSize)
	got, n, err = Unmarshal(priv)
	require.NoError(t, err)
	assert.Equal(t, MarshalledPrivateSize, n)
	assert.True(t, got.HasPrivate())
	assert.NoError(t, got.LocallyValidate())
}

func TestUnmarshal_Rejects(t *testing.T) {
	id := mustGenerate(t)
	good := id.Marshal(true)

	_, _, err := Unmarshal(good[:10])
	assert.ErrorIs(t, err, ErrShortIdentity)

	bad := append([]byte(nil), good...)
	bad[0] ^= 1
	_, _, err = Unmarshal(bad)
	assert.ErrorIs(t, err, ErrAddressMismatch)

	bad = append([]byte(nil), good...)
	bad[AddressLength] = 7
	_, _, err = Unmarshal(bad)
	assert.ErrorIs(t, err, ErrUnknownKeyType)

	_, _, err = Unmarshal(good[:MarshalledPublicSize+3])
	assert.ErrorIs(t, err, ErrShortIdentity)
}

func TestString_RoundTrip(t *testing.T) {
	id := mustGenerate(t)

	got, err := FromString(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(got))
	assert.False(t, got.HasPrivate())

	s, err := id.PrivateString()
	require.NoError(t, err)
	got, err = FromString(s)
	require.NoError(t, err)
	assert.True(t, got.HasPrivate())

	_, err = FromString("nope")
	assert.ErrorIs(t, err, ErrInvalidString)
}

func TestFingerprint_DiffersPerIdentity(t *testing.T) {
	a, b := mustGenerate(t), mustGenerate(t)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), a.PublicOnly().Fingerprint())
}

func TestErase(t *testing.T) {
	id := mustGenerate(t)
	id.Erase()
	assert.False(t, id.HasPrivate())
	_, err := id.Sign([]byte("x"))
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}
