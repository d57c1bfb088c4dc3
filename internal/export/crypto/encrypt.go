// Package crypto encrypts audit archives with AES-256-GCM under an
// operator-supplied password. The password is never written into the
// archive; reading an encrypted archive requires presenting it again.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidPassword is returned when GCM authentication fails.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidArchive is returned when the archive envelope is malformed.
	ErrInvalidArchive = errors.New("invalid archive format")
)

const (
	// PasswordMinLength is the minimum accepted password length.
	PasswordMinLength = 8
	// SaltLength is the size of the random key-derivation salt.
	SaltLength = 32
	// KeyIterations is the PBKDF2 iteration count (NIST SP 800-132).
	KeyIterations = 100000
)

// Encrypted archives start with a fixed-size cleartext envelope:
//
//	magic (7) | version (1) | algorithm (1) | salt (32) | nonce (12)
//
// followed by the GCM ciphertext. The envelope carries only what
// decryption needs; nothing password-derived is stored.
const (
	archiveMagic   = "CSYNARC"
	archiveVersion = 1
	algorithmGCM   = 1

	nonceLength  = 12
	envelopeSize = len(archiveMagic) + 2 + SaltLength + nonceLength
)

// EncryptArchive seals data under a password and returns the envelope
// followed by the ciphertext.
func EncryptArchive(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	aead, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, envelopeSize+len(data)+aead.Overhead())
	out = append(out, archiveMagic...)
	out = append(out, archiveVersion, algorithmGCM)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// DecryptArchive opens an encrypted archive with the password used to
// create it. Returns ErrInvalidArchive for a malformed envelope and
// ErrInvalidPassword when authentication fails.
func DecryptArchive(encrypted []byte, password string) ([]byte, error) {
	salt, nonce, payload, err := splitArchive(encrypted)
	if err != nil {
		return nil, err
	}

	aead, err := gcmFor(password, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, payload, nil)
	if err != nil {
		// An authentication failure almost always means a wrong password.
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return plaintext, nil
}

// splitArchive validates the fixed envelope and slices out its parts.
func splitArchive(data []byte) (salt, nonce, payload []byte, err error) {
	if len(data) < envelopeSize {
		return nil, nil, nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrInvalidArchive, len(data))
	}
	if string(data[:len(archiveMagic)]) != archiveMagic {
		return nil, nil, nil, fmt.Errorf("%w: bad magic", ErrInvalidArchive)
	}
	if v := data[len(archiveMagic)]; v != archiveVersion {
		return nil, nil, nil, fmt.Errorf("%w: unsupported archive version %d", ErrInvalidArchive, v)
	}
	if alg := data[len(archiveMagic)+1]; alg != algorithmGCM {
		return nil, nil, nil, fmt.Errorf("%w: unsupported algorithm %d", ErrInvalidArchive, alg)
	}

	rest := data[len(archiveMagic)+2:]
	return rest[:SaltLength], rest[SaltLength : SaltLength+nonceLength], rest[SaltLength+nonceLength:], nil
}

// gcmFor derives the AES key for a password/salt pair and wraps it in GCM.
func gcmFor(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// deriveKey stretches a password into a 32-byte key with PBKDF2-SHA256.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, 32, sha256.New)
}

// ValidatePassword checks the minimum length requirement.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return fmt.Errorf("password must be at least %d characters", PasswordMinLength)
	}
	return nil
}

// passwordAlphabet has exactly 64 characters so a random byte maps onto
// it without modulo bias.
const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

// GeneratePassword returns a random password of the requested length,
// raised to PasswordMinLength when shorter. Generated passwords are
// shown to the operator once and never stored.
func GeneratePassword(length int) (string, error) {
	if length < PasswordMinLength {
		length = PasswordMinLength
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}

	out := make([]byte, length)
	for i, b := range raw {
		out[i] = passwordAlphabet[b&63]
	}
	return string(out), nil
}
