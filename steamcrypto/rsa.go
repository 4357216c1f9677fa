package steamcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"

	"github.com/rotisserie/eris"
)

// ParsePublicKeyDER decodes a DER-encoded PKIX RSA public key, the form
// SteamKit's key dictionary ships universe keys in.
func ParsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, eris.Wrap(err, "parse public key")
	}

	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, eris.New("not an RSA public key")
	}

	return publicKey, nil
}

// EncryptPKCS1 encrypts input under publicKey with PKCS#1 v1.5 padding, the
// padding Steam's AuthenticateUser endpoint expects for session keys.
func EncryptPKCS1(publicKey *rsa.PublicKey, input []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, eris.New("public key must be set")
	}

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, input)
	if err != nil {
		return nil, eris.Wrap(err, "rsa encrypt")
	}

	return encrypted, nil
}
