// Package crypto protects archive destination credentials at rest with
// AES-256-GCM. Values are sealed under a key derived from the deployment
// secret and stored base64-encoded.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidCiphertext is returned when a sealed value cannot be opened,
// whether from corruption or a wrong deployment secret.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// keyContext namespaces derived keys so the same secret used for
// another purpose never yields the same key bytes.
const keyContext = "caresync:"

const defaultSecret = "caresync-default-key"

// ServerKey returns the 32-byte key used to seal stored credentials.
// Falls back to a fixed default when no deployment secret is configured,
// which protects against casual file reads only.
func ServerKey(secret string) []byte {
	if secret == "" {
		secret = defaultSecret
	}
	return DeriveKey(secret)
}

// DeriveKey derives a consistent 32-byte key from a deployment secret.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(keyContext + secret))
	return sum[:]
}

// SealSecret encrypts an object-store access or secret key for storage
// in the archive_credentials collection.
func SealSecret(value, serverSecret string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("credential value cannot be empty")
	}

	aead, err := aeadFor(ServerKey(serverSecret))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	// The nonce is prepended so the sealed value is self-contained.
	sealed := aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret decrypts a stored credential value. An empty ciphertext
// means the credential was never set and yields an empty string.
func OpenSecret(sealed, serverSecret string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	aead, err := aeadFor(ServerKey(serverSecret))
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	value, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(value), nil
}

// aeadFor wraps a 32-byte key in AES-GCM.
func aeadFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
