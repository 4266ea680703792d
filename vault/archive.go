package vault

import (
	"bytes"
	"errors"
)

// ErrInvalidArchive is returned by CheckArchive for data that is not a ZIP archive.
var ErrInvalidArchive = errors.New("invalid archive: unrecognised signature")

var zipSignatures = [][]byte{
	{'P', 'K', 0x03, 0x04}, // local file header
	{'P', 'K', 0x05, 0x06}, // end of central directory (empty archive)
	{'P', 'K', 0x07, 0x08}, // spanned archive
}

// IsValidArchive reports whether data starts with a known ZIP signature.
func IsValidArchive(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, sig := range zipSignatures {
		if bytes.Equal(data[:4], sig) {
			return true
		}
	}
	return false
}

// CheckArchive returns ErrInvalidArchive when IsValidArchive is false.
func CheckArchive(data []byte) error {
	if !IsValidArchive(data) {
		return ErrInvalidArchive
	}
	return nil
}
