package catalogcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
	require.Equal(t, h, HashString(""))
}

func TestHashShortString(t *testing.T) {
	h := HashString("hello")
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashString("test").IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashString("test data")

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)
}

func TestParseHash(t *testing.T) {
	original := HashString("parse test")

	parsed, err := ParseHash(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashPartsBoundaries(t *testing.T) {
	require.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))
	require.Equal(t, HashParts("a", "b"), HashParts("a", "b"))
}
