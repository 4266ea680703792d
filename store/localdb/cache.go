package localdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"go.etcd.io/bbolt"
)

// GetEntry returns the cache entry stored under key.
func (d *DB) GetEntry(_ context.Context, key string) (*catalogcache.CacheEntry, error) {
	var entry catalogcache.CacheEntry
	err := d.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCache).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PutEntry upserts a cache entry and returns the entry it replaced, if any.
func (d *DB) PutEntry(_ context.Context, entry *catalogcache.CacheEntry) (*catalogcache.CacheEntry, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshaling cache entry: %w", err)
	}

	var prior *catalogcache.CacheEntry
	err = d.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCache)
		if old := b.Get([]byte(entry.Key)); old != nil {
			prior = &catalogcache.CacheEntry{}
			if err := json.Unmarshal(old, prior); err != nil {
				d.logger.Warn("replacing unreadable cache entry", "key", entry.Key, "error", err)
				prior = nil
			}
		}
		return b.Put([]byte(entry.Key), data)
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

// DeleteEntry removes a cache entry. Deleting a missing key is not an error.
func (d *DB) DeleteEntry(_ context.Context, key string) error {
	return d.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).Delete([]byte(key))
	})
}

// DeleteEntries removes all given keys in one transaction and returns the
// total size of the entries that existed.
func (d *DB) DeleteEntries(_ context.Context, keys []string) (int64, error) {
	var freed int64
	err := d.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCache)
		for _, key := range keys {
			data := b.Get([]byte(key))
			if data == nil {
				continue
			}
			var entry catalogcache.CacheEntry
			if err := json.Unmarshal(data, &entry); err == nil {
				freed += entry.Size
			}
			if err := b.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// AllEntries returns every cache entry in key order.
func (d *DB) AllEntries(ctx context.Context) ([]*catalogcache.CacheEntry, error) {
	return d.EntriesWithPrefix(ctx, "")
}

// EntriesWithPrefix returns the cache entries whose key starts with prefix,
// in key order.
func (d *DB) EntriesWithPrefix(ctx context.Context, prefix string) ([]*catalogcache.CacheEntry, error) {
	var entries []*catalogcache.CacheEntry
	err := d.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCache).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry catalogcache.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				d.logger.Warn("skipping unreadable cache entry", "key", string(k), "error", err)
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// CountEntries returns the number of cache entries.
func (d *DB) CountEntries(_ context.Context) (int, error) {
	var n int
	err := d.view(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketCache).Stats().KeyN
		return nil
	})
	return n, err
}

// TotalEntrySize sums the recorded size of every cache entry.
func (d *DB) TotalEntrySize(_ context.Context) (int64, error) {
	var total int64
	err := d.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).ForEach(func(k, v []byte) error {
			var entry struct {
				Size int64 `json:"size"`
			}
			if err := json.Unmarshal(v, &entry); err != nil {
				d.logger.Warn("skipping unreadable cache entry", "key", string(k), "error", err)
				return nil
			}
			total += entry.Size
			return nil
		})
	})
	return total, err
}
