package steamcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/rotisserie/eris"
)

// SessionKeyLength is the AES-256 key size Steam's handshake uses.
const SessionKeyLength = 32

// GenerateSessionKey produces a fresh random symmetric session key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, eris.Wrap(err, "rand.Read")
	}
	return key, nil
}

// SymmetricEncrypt encrypts plaintext the way Steam's client helper does:
// a random 16-byte IV is encrypted with AES-ECB under the session key and
// prepended to the AES-CBC ciphertext of the PKCS7-padded plaintext.
func SymmetricEncrypt(sessionKey []byte, plaintext []byte) ([]byte, error) {
	if len(sessionKey) != SessionKeyLength {
		return nil, eris.Errorf("session key must be %d bytes, got %d", SessionKeyLength, len(sessionKey))
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, eris.Wrap(err, "aes.NewCipher")
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, eris.Wrap(err, "rand.Read")
	}

	encryptedIV := make([]byte, aes.BlockSize)
	block.Encrypt(encryptedIV, iv)

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, len(encryptedIV)+len(ciphertext))
	copy(out, encryptedIV)
	copy(out[aes.BlockSize:], ciphertext)
	return out, nil
}

// SymmetricDecrypt reverses SymmetricEncrypt.
func SymmetricDecrypt(sessionKey []byte, data []byte) ([]byte, error) {
	if len(sessionKey) != SessionKeyLength {
		return nil, eris.Errorf("session key must be %d bytes, got %d", SessionKeyLength, len(sessionKey))
	}

	if len(data) < 2*aes.BlockSize || len(data[aes.BlockSize:])%aes.BlockSize != 0 {
		return nil, eris.Errorf("ciphertext has invalid length %d", len(data))
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, eris.Wrap(err, "aes.NewCipher")
	}

	iv := make([]byte, aes.BlockSize)
	block.Decrypt(iv, data[:aes.BlockSize])

	plaintext := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data[aes.BlockSize:])

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, eris.Errorf("invalid padded data length: %d", len(data))
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, eris.Errorf("invalid padding value: %d", padding)
	}

	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, eris.Errorf("invalid padding byte at position %d", i)
		}
	}

	return data[:len(data)-padding], nil
}
