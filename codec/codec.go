// Package codec implements the reversible compress/encode round trip used for
// catalog payloads: UTF-8 text is zlib-compressed at the best compression
// level and base64-encoded so it can live in text-oriented stores.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
)

// MaxDecodedSize is the hard cap on decompressed output to prevent compression bombs.
const MaxDecodedSize = 10 * 1024 * 1024 // 10MB

// ErrCodec matches every error returned by Decode and Encode.
var ErrCodec = errors.New("codec error")

// Error describes a failed encode or decode.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCodec) match any *Error.
func (e *Error) Is(target error) bool { return target == ErrCodec }

// Codec compresses and encodes text payloads.
// It is safe for concurrent use.
type Codec struct {
	maxDecoded int64
	writers    sync.Pool
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxDecodedSize overrides the decompressed size cap.
func WithMaxDecodedSize(n int64) Option {
	return func(c *Codec) {
		c.maxDecoded = n
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{maxDecoded: MaxDecodedSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCodec = New()

// Encode compresses and encodes plaintext with the default codec.
func Encode(plaintext string) (string, error) {
	return defaultCodec.Encode(plaintext)
}

// Decode reverses Encode with the default codec.
func Decode(encoded string) (string, error) {
	return defaultCodec.Decode(encoded)
}

// Encode compresses plaintext and returns it base64-encoded.
func (c *Codec) Encode(plaintext string) (string, error) {
	if !utf8.ValidString(plaintext) {
		return "", &Error{Op: "encode", Err: errors.New("input is not valid UTF-8")}
	}

	var buf bytes.Buffer
	zw, _ := c.writers.Get().(*zlib.Writer)
	if zw == nil {
		var err error
		zw, err = zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return "", &Error{Op: "encode", Err: err}
		}
	} else {
		zw.Reset(&buf)
	}
	defer c.writers.Put(zw)

	if _, err := io.WriteString(zw, plaintext); err != nil {
		return "", &Error{Op: "encode", Err: err}
	}
	if err := zw.Close(); err != nil {
		return "", &Error{Op: "encode", Err: err}
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode decodes and decompresses a payload produced by Encode.
// Malformed input never yields empty content; it fails with an *Error.
func (c *Codec) Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &Error{Op: "decode", Err: fmt.Errorf("invalid base64: %w", err)}
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", &Error{Op: "decode", Err: fmt.Errorf("invalid compressed header: %w", err)}
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, c.maxDecoded+1))
	if err != nil {
		return "", &Error{Op: "decode", Err: fmt.Errorf("decompressing: %w", err)}
	}
	if int64(len(data)) > c.maxDecoded {
		return "", &Error{Op: "decode", Err: fmt.Errorf("decompressed payload exceeds %d bytes", c.maxDecoded)}
	}
	if !utf8.Valid(data) {
		return "", &Error{Op: "decode", Err: errors.New("decompressed payload is not valid UTF-8")}
	}

	return string(data), nil
}
