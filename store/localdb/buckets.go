package localdb

import (
	"bytes"
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketSchema = []byte("schema") // "version" -> 8-byte schema version

	bucketCache   = []byte("cache")       // key -> CacheEntry JSON
	bucketQueries = []byte("userQueries") // query -> QueryRecord JSON
	bucketAPIKeys = []byte("apiKeys")     // service -> EncryptedSecret JSON

	// Query indexes. The QueryRecord itself carries the timestamp and
	// framework, so it doubles as the reverse index used on removal.
	bucketQueriesByTimestamp = []byte("userQueries_by_timestamp") // timestamp+query -> query
	bucketQueriesByFramework = []byte("userQueries_by_framework") // framework+NUL+timestamp+query -> query

	keySchemaVersion = []byte("version")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// that sorts in time order, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp reverses encodeTimestamp.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeTimestampKey creates a key for the by-timestamp index.
// Format: [8-byte timestamp][query]
func makeTimestampKey(ts time.Time, query string) []byte {
	key := make([]byte, 8+len(query))
	copy(key[:8], encodeTimestamp(ts))
	copy(key[8:], query)
	return key
}

// makeFrameworkKey creates a key for the by-framework index.
// Format: [framework][NUL][8-byte timestamp][query]
func makeFrameworkKey(framework string, ts time.Time, query string) []byte {
	key := make([]byte, 0, len(framework)+1+8+len(query))
	key = append(key, frameworkPrefix(framework)...)
	key = append(key, encodeTimestamp(ts)...)
	key = append(key, query...)
	return key
}

func frameworkPrefix(framework string) []byte {
	p := make([]byte, len(framework)+1)
	copy(p, framework)
	return p
}

// seekLast positions the cursor on the last key with the given prefix.
func seekLast(c *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	// The smallest key sorting after every key with this prefix is the prefix
	// with its last byte incremented; NUL terminated prefixes never overflow.
	upper := bytes.Clone(prefix)
	upper[len(upper)-1]++
	if k, _ := c.Seek(upper); k == nil {
		return c.Last()
	}
	return c.Prev()
}
