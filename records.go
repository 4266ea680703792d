// Package catalogcache holds the domain types shared by the framework catalog
// data layer: catalog records, vector records, query history and the cache
// key conventions that tie them together.
package catalogcache

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultStaleAfter is how old a record may get before callers should refetch it.
const DefaultStaleAfter = 7 * 24 * time.Hour

// Source names the tier that answered a read.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceVector    Source = "vector"
	SourceCache     Source = "cache"
	SourceSynthetic Source = "synthetic"
	SourceNone      Source = "none"
)

// ContentType classifies the content held by a FrameworkRecord.
type ContentType string

const (
	ContentRepo          ContentType = "repo"
	ContentDocumentation ContentType = "documentation"
	ContentExample       ContentType = "example"
)

// Valid reports whether c is one of the known content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentRepo, ContentDocumentation, ContentExample:
		return true
	default:
		return false
	}
}

// FrameworkRecord is one piece of catalog content about an agent framework.
// Content is always plaintext when returned from read APIs.
type FrameworkRecord struct {
	ID             string      `json:"id"`
	Framework      string      `json:"framework"`
	Content        string      `json:"content"`
	URL            string      `json:"url"`
	Stars          int         `json:"stars"`
	LastUpdated    time.Time   `json:"last_updated"`
	ContentType    ContentType `json:"content_type"`
	CompressedSize int         `json:"compressed_size"`
}

// Fingerprint returns the BLAKE3 digest of the record's plaintext content.
func (r FrameworkRecord) Fingerprint() Hash {
	return HashString(r.Content)
}

// Validate checks the fields required to store a record.
func (r FrameworkRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("framework record: missing id")
	}
	if r.Framework == "" {
		return fmt.Errorf("framework record %q: missing framework tag", r.ID)
	}
	if r.ContentType != "" && !r.ContentType.Valid() {
		return fmt.Errorf("framework record %q: invalid content type %q", r.ID, r.ContentType)
	}
	return nil
}

// IsStale reports whether the record was last updated more than maxAge before now.
// A zero LastUpdated is always stale.
func IsStale(r FrameworkRecord, now time.Time, maxAge time.Duration) bool {
	if r.LastUpdated.IsZero() {
		return true
	}
	return now.Sub(r.LastUpdated) > maxAge
}

// VectorRecord is an embedding of one chunk of a FrameworkRecord.
type VectorRecord struct {
	ID        string         `json:"id"`
	Framework string         `json:"framework"`
	ContentID string         `json:"content_id"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CacheEntry is one persisted cache slot. Size is the byte length of Value
// at write time and is never recomputed.
type CacheEntry struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
	Timestamp   time.Time       `json:"timestamp"`
	Size        int64           `json:"size"`
	AccessCount int64           `json:"access_count"`
}

// EncryptedSecret is a sealed credential for one external service.
type EncryptedSecret struct {
	Service      string    `json:"service"`
	EncryptedKey string    `json:"encrypted_key"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QueryRecord is one entry of the recent-query history.
type QueryRecord struct {
	Query     string          `json:"query"`
	Timestamp time.Time       `json:"timestamp"`
	Results   json.RawMessage `json:"results,omitempty"`
	Framework string          `json:"framework,omitempty"`
}

// Cache key prefixes for mirrored records and parked embeddings.
const (
	FrameworkKeyPrefix = "framework_"
	EmbeddingKeyPrefix = "embedding_"
)

// FrameworkCachePrefix returns the cache key prefix shared by all mirrored
// records of a framework. Tags containing an underscore make it ambiguous:
// framework_semantic_ also prefixes keys of semantic_kernel.
func FrameworkCachePrefix(framework string) string {
	return FrameworkKeyPrefix + framework + "_"
}

// FrameworkCacheKey returns the cache key a record is mirrored under.
func FrameworkCacheKey(framework, id string) string {
	return FrameworkCachePrefix(framework) + id
}

// EmbeddingCacheKey returns the cache key an embedding is parked under when
// the vector service is unreachable.
func EmbeddingCacheKey(id string) string {
	return EmbeddingKeyPrefix + id
}
