package cryptoops

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	kdfKeyLen     = 32
	saltSize      = 16
)

// fixedSalt makes password-derived keys deterministic: the local key store
// must be unlockable from the machine identifier alone. Rotating it requires
// re-encrypting every store derived from it.
var fixedSalt = []byte{
	0x85, 0x94, 0xa2, 0x20, 0x9e, 0xc4, 0x33, 0xa1,
	0x31, 0xdb, 0xbc, 0x1f, 0x48, 0xf6, 0x0e, 0xbc,
}

var defaultPassword = []byte("69420")

// CreateKey derives a Fernet key (32 bytes, base64url-encoded).
//
// With a password the derivation uses PBKDF2-HMAC-SHA256 over the fixed
// salt, so the same password always yields the same key. With a nil
// password a random salt is used, yielding a fresh random key.
func CreateKey(password []byte) ([]byte, error) {
	pw := password
	salt := fixedSalt
	if pw == nil {
		pw = defaultPassword
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	raw := pbkdf2.Key(pw, salt, kdfIterations, kdfKeyLen, sha256.New)

	var k fernet.Key
	copy(k[:], raw)
	return []byte(k.Encode()), nil
}

// SymmetricEncrypt encrypts data into a Fernet token using the
// base64url-encoded key produced by CreateKey.
func SymmetricEncrypt(data, key []byte) ([]byte, error) {
	k, err := fernet.DecodeKey(string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	tok, err := fernet.EncryptAndSign(data, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return tok, nil
}

// SymmetricDecrypt verifies and decrypts a Fernet token.
func SymmetricDecrypt(data, key []byte) ([]byte, error) {
	k, err := fernet.DecodeKey(string(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	msg := fernet.VerifyAndDecrypt(data, 0, []*fernet.Key{k})
	if msg == nil {
		return nil, fmt.Errorf("%w: fernet verification failed", ErrInvalidCiphertext)
	}
	return msg, nil
}
