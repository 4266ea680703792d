package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts secrets for a named service.
type Sealer interface {
	Seal(ctx context.Context, service, plaintext string) (string, error)
	Open(ctx context.Context, service, envelope string) (string, error)
}

// EmbeddedKeySealer uses the self-contained envelope format where the key
// travels with the ciphertext.
type EmbeddedKeySealer struct{}

// Seal implements Sealer.
func (EmbeddedKeySealer) Seal(_ context.Context, _ string, plaintext string) (string, error) {
	return Encrypt(plaintext, nil)
}

// Open implements Sealer.
func (EmbeddedKeySealer) Open(_ context.Context, _ string, envelope string) (string, error) {
	return Decrypt(envelope)
}

const (
	// DefaultKeyringService is the keystore service name holding the master key.
	DefaultKeyringService = "catalog-cache"

	masterKeyUser = "master-key"
	hkdfSalt      = "catalog-cache/apikeys/v1"
)

// KeyringSealer keeps a master key in the platform keystore and derives a
// per-service key from it with HKDF-SHA256. Envelopes hold only
// iv||ciphertext||tag and the service name is bound as associated data.
type KeyringSealer struct {
	service string

	mu        sync.Mutex
	masterKey []byte
}

// NewKeyringSealer creates a sealer that stores its master key under the
// given keystore service name.
func NewKeyringSealer(keyringService string) *KeyringSealer {
	if keyringService == "" {
		keyringService = DefaultKeyringService
	}
	return &KeyringSealer{service: keyringService}
}

// Seal implements Sealer.
func (k *KeyringSealer) Seal(_ context.Context, service, plaintext string) (string, error) {
	key, err := k.deriveKey(service)
	if err != nil {
		return "", err
	}
	sealed, err := seal(key, []byte(plaintext), []byte(service))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open implements Sealer.
func (k *KeyringSealer) Open(_ context.Context, service, envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryption)
	}
	key, err := k.deriveKey(service)
	if err != nil {
		return "", err
	}
	plaintext, err := open(key, raw, []byte(service))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (k *KeyringSealer) deriveKey(service string) ([]byte, error) {
	master, err := k.loadMasterKey()
	if err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, []byte(hkdfSalt), []byte(service)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// loadMasterKey reads the master key from the keystore, creating it on first use.
func (k *KeyringSealer) loadMasterKey() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.masterKey != nil {
		return k.masterKey, nil
	}

	stored, err := keyring.Get(k.service, masterKeyUser)
	switch {
	case err == nil:
		key, derr := base64.StdEncoding.DecodeString(stored)
		if derr != nil || len(key) != KeySize {
			return nil, fmt.Errorf("keystore master key for %q is malformed", k.service)
		}
		k.masterKey = key
		return key, nil
	case errors.Is(err, keyring.ErrNotFound):
		key, gerr := GenerateKey()
		if gerr != nil {
			return nil, gerr
		}
		if serr := keyring.Set(k.service, masterKeyUser, base64.StdEncoding.EncodeToString(key)); serr != nil {
			return nil, fmt.Errorf("storing master key in keystore: %w", serr)
		}
		k.masterKey = key
		return key, nil
	default:
		return nil, fmt.Errorf("reading master key from keystore: %w", err)
	}
}
