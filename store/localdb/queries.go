package localdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"go.etcd.io/bbolt"
)

// PutQuery upserts a query record and keeps both indexes in step.
func (d *DB) PutQuery(_ context.Context, rec *catalogcache.QueryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling query: %w", err)
	}

	return d.update(func(tx *bbolt.Tx) error {
		if err := removeQuery(tx, rec.Query); err != nil {
			return err
		}
		if err := tx.Bucket(bucketQueries).Put([]byte(rec.Query), data); err != nil {
			return fmt.Errorf("putting query: %w", err)
		}
		return indexQuery(tx, rec)
	})
}

// CountQueries returns the number of stored query records.
func (d *DB) CountQueries(_ context.Context) (int, error) {
	var n int
	err := d.view(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketQueries).Stats().KeyN
		return nil
	})
	return n, err
}

// RecentQueries returns up to limit records, newest first. A limit of zero
// or less returns all of them.
func (d *DB) RecentQueries(_ context.Context, limit int) ([]*catalogcache.QueryRecord, error) {
	var out []*catalogcache.QueryRecord
	err := d.view(func(tx *bbolt.Tx) error {
		queries := tx.Bucket(bucketQueries)
		c := tx.Bucket(bucketQueriesByTimestamp).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if rec := loadQuery(queries, v); rec != nil {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// QueriesByFramework returns up to limit records for a framework tag, newest
// first, using the framework index rather than a full scan.
func (d *DB) QueriesByFramework(_ context.Context, framework string, limit int) ([]*catalogcache.QueryRecord, error) {
	var out []*catalogcache.QueryRecord
	err := d.view(func(tx *bbolt.Tx) error {
		queries := tx.Bucket(bucketQueries)
		prefix := frameworkPrefix(framework)
		c := tx.Bucket(bucketQueriesByFramework).Cursor()
		for k, v := seekLast(c, prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if rec := loadQuery(queries, v); rec != nil {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// PruneQueries deletes the oldest records so at most keep remain, in one
// transaction. It returns the number removed.
func (d *DB) PruneQueries(_ context.Context, keep int) (int, error) {
	var removed int
	err := d.update(func(tx *bbolt.Tx) error {
		var total int
		if err := tx.Bucket(bucketQueries).ForEach(func(_, _ []byte) error {
			total++
			return nil
		}); err != nil {
			return err
		}
		excess := total - keep
		if excess <= 0 {
			return nil
		}

		// Collect first: deleting while iterating a cursor skips keys.
		victims := make([]string, 0, excess)
		c := tx.Bucket(bucketQueriesByTimestamp).Cursor()
		for k, v := c.First(); k != nil && len(victims) < excess; k, v = c.Next() {
			victims = append(victims, string(v))
		}
		for _, q := range victims {
			if err := removeQuery(tx, q); err != nil {
				return err
			}
		}
		removed = len(victims)
		return nil
	})
	return removed, err
}

func loadQuery(queries *bbolt.Bucket, query []byte) *catalogcache.QueryRecord {
	data := queries.Get(query)
	if data == nil {
		return nil
	}
	var rec catalogcache.QueryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

func indexQuery(tx *bbolt.Tx, rec *catalogcache.QueryRecord) error {
	q := []byte(rec.Query)
	if err := tx.Bucket(bucketQueriesByTimestamp).Put(makeTimestampKey(rec.Timestamp, rec.Query), q); err != nil {
		return fmt.Errorf("indexing query by timestamp: %w", err)
	}
	if err := tx.Bucket(bucketQueriesByFramework).Put(makeFrameworkKey(rec.Framework, rec.Timestamp, rec.Query), q); err != nil {
		return fmt.Errorf("indexing query by framework: %w", err)
	}
	return nil
}

// removeQuery deletes a record and its index entries, located through the
// stored record.
func removeQuery(tx *bbolt.Tx, query string) error {
	queries := tx.Bucket(bucketQueries)
	old := loadQuery(queries, []byte(query))
	if old == nil {
		return queries.Delete([]byte(query))
	}
	if err := tx.Bucket(bucketQueriesByTimestamp).Delete(makeTimestampKey(old.Timestamp, old.Query)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketQueriesByFramework).Delete(makeFrameworkKey(old.Framework, old.Timestamp, old.Query)); err != nil {
		return err
	}
	return queries.Delete([]byte(query))
}

// reindexQueries rebuilds both indexes from the primary bucket.
func reindexQueries(tx *bbolt.Tx) error {
	return tx.Bucket(bucketQueries).ForEach(func(_, v []byte) error {
		var rec catalogcache.QueryRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		return indexQuery(tx, &rec)
	})
}
