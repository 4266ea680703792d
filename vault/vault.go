// Package vault provides the symmetric encryption, hashing, random ID and
// redaction helpers used to keep API credentials out of plain sight.
//
// The default envelope produced by Encrypt carries its own key:
//
//	base64(key[32] || iv[12] || ciphertext || tag[16])
//
// Anyone holding the envelope can decrypt it. It protects against incidental
// disclosure (for example an envelope landing in a log line) but not against
// an attacker who can read the local database. KeyringSealer keeps the key in
// the platform keystore instead and writes only iv||ciphertext||tag.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12

	// IDSize is the number of random bytes in a generated ID (128 bits).
	IDSize = 16
)

var (
	// ErrDecryption is returned for corrupt, truncated or tampered envelopes.
	ErrDecryption = errors.New("vault: decryption failed")

	// ErrInvalidKey is returned when key material has the wrong length.
	ErrInvalidKey = errors.New("vault: invalid key length")
)

// GenerateKey returns fresh random AES-256 key material.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext into a self-contained envelope.
// A nil key generates a new one for this call.
func Encrypt(plaintext string, key []byte) (string, error) {
	if key == nil {
		var err error
		if key, err = GenerateKey(); err != nil {
			return "", err
		}
	}
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}

	sealed, err := seal(key, []byte(plaintext), nil)
	if err != nil {
		return "", err
	}

	out := make([]byte, 0, KeySize+len(sealed))
	out = append(out, key...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryption)
	}
	if len(raw) < KeySize+NonceSize {
		return "", fmt.Errorf("%w: envelope too short", ErrDecryption)
	}

	plaintext, err := open(raw[:KeySize], raw[KeySize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// seal returns iv||ciphertext||tag.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal.
func open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, fmt.Errorf("%w: envelope too short", ErrDecryption)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Hash returns the hex SHA-256 digest of data.
// It is meant for content fingerprinting, not for storing secrets.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// GenerateID returns 128 random bits as a 32-char hex string.
func GenerateID() (string, error) {
	b := make([]byte, IDSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
