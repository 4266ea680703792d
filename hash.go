package catalogcache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit content fingerprint.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display and IDs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of a string's UTF-8 bytes.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}

// HashParts hashes each part with a length prefix so that ("ab","c") and
// ("a","bc") produce different digests.
func HashParts(parts ...string) Hash {
	h := blake3.New()
	var lenBuf [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := range lenBuf {
			lenBuf[i] = byte(n >> (8 * i))
		}
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write([]byte(p))
	}
	var out Hash
	h.Sum(out[:0])
	return out
}
