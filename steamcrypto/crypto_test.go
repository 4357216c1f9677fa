package steamcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/escrow-tf/steamguard/steamid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionKey(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	assert.Len(t, key, SessionKeyLength)

	other, err := GenerateSessionKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestSymmetricRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"Empty", []byte{}},
		{"Short", []byte("nonce")},
		{"BlockAligned", bytes.Repeat([]byte{0x41}, aes.BlockSize*2)},
		{"Long", bytes.Repeat([]byte{0x42}, 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := SymmetricEncrypt(key, tt.plaintext)
			require.NoError(t, err)

			// encrypted IV block + at least one padded block
			assert.GreaterOrEqual(t, len(ciphertext), 2*aes.BlockSize)
			assert.Zero(t, len(ciphertext)%aes.BlockSize)

			plaintext, err := SymmetricDecrypt(key, ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, plaintext)
		})
	}
}

func TestSymmetricEncryptRejectsBadKey(t *testing.T) {
	_, err := SymmetricEncrypt([]byte("short"), []byte("data"))
	assert.Error(t, err)
}

func TestSymmetricEncryptIsRandomized(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)

	first, err := SymmetricEncrypt(key, []byte("nonce"))
	require.NoError(t, err)
	second, err := SymmetricEncrypt(key, []byte("nonce"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "fresh IV must vary the ciphertext")
}

func TestSymmetricDecryptRejectsTruncated(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)

	_, err = SymmetricDecrypt(key, make([]byte, aes.BlockSize))
	assert.Error(t, err)
}

func TestUniversePublicKey(t *testing.T) {
	key, err := UniversePublicKey(steamid.UniversePublic)
	require.NoError(t, err)
	assert.Equal(t, 1024, key.N.BitLen())

	_, err = UniversePublicKey(steamid.UniverseBeta)
	assert.ErrorIs(t, err, ErrNoUniverseKey)
}

func TestEncryptPKCS1(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	sessionKey, err := GenerateSessionKey()
	require.NoError(t, err)

	encrypted, err := EncryptPKCS1(&private.PublicKey, sessionKey)
	require.NoError(t, err)

	decrypted, err := rsa.DecryptPKCS1v15(rand.Reader, private, encrypted)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, decrypted)
}

func TestEncryptPKCS1NilKey(t *testing.T) {
	_, err := EncryptPKCS1(nil, []byte("data"))
	assert.Error(t, err)
}
