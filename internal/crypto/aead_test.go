package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADSealOpenRoundTrip(t *testing.T) {
	for _, suite := range []Suite{SuiteChaCha20Poly1305, SuiteAES256GCM} {
		key := make([]byte, 32)
		iv := make([]byte, nonceLen)
		for i := range key {
			key[i] = byte(i)
		}
		for i := range iv {
			iv[i] = byte(i + 1)
		}
		aead, err := NewAEAD(suite, key, iv)
		require.NoError(t, err)

		plaintext := []byte("hello, world!")
		aad := []byte("associated-data")
		sealed := aead.Seal(nil, 17, plaintext, aad)
		require.Greater(t, len(sealed), len(plaintext))

		opened, err := aead.Open(nil, 17, sealed, aad)
		require.NoError(t, err)
		require.Equal(t, plaintext, opened)
	}
}

func TestAEADBitFlipFailsAuth(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, nonceLen)
	aead, err := NewAEAD(SuiteChaCha20Poly1305, key, iv)
	require.NoError(t, err)

	sealed := aead.Seal(nil, 1, []byte("payload"), []byte("aad"))
	sealed[len(sealed)-1] ^= 0x01 // flip a bit in the tag
	_, err = aead.Open(nil, 1, sealed, []byte("aad"))
	require.Error(t, err)
}

func TestAEADWrongNonceFailsAuth(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, nonceLen)
	aead, err := NewAEAD(SuiteAES256GCM, key, iv)
	require.NoError(t, err)

	sealed := aead.Seal(nil, 5, []byte("payload"), nil)
	_, err = aead.Open(nil, 6, sealed, nil)
	require.Error(t, err)
}

func TestAEADRejectsBadIVLength(t *testing.T) {
	_, err := NewAEAD(SuiteChaCha20Poly1305, make([]byte, 32), make([]byte, 4))
	require.Error(t, err)
}
