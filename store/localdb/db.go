// Package localdb is the on-device persistent store behind the cache. It keeps
// three independent collections in one bbolt file: cache entries, the
// recent-query history (with timestamp and framework indexes) and sealed API
// keys.
package localdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
)

// SchemaVersion is the schema written by this build. Migrations are additive.
const SchemaVersion = 2

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable is returned when the database file cannot be opened
	// or the store has been closed.
	ErrStoreUnavailable = errors.New("local store unavailable")
)

// DB is the bbolt backed local store.
type DB struct {
	mu     sync.Mutex
	db     *bbolt.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB that is not yet open.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at path and brings its schema up to date. Calling
// Open again on an open DB is a no-op.
func (d *DB) Open(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return nil
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrStoreUnavailable, path, err)
	}

	from, err := migrate(db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	d.db = db
	d.path = path
	d.logger.Debug("opened localdb", "path", path, "schema_from", from, "schema", SchemaVersion)
	return nil
}

// Close closes the database. It is safe to call more than once.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing localdb", "path", d.path)
	err := d.db.Close()
	d.db = nil
	return err
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// SchemaVersion returns the version recorded in the database.
func (d *DB) SchemaVersion() (uint64, error) {
	var version uint64
	err := d.view(func(tx *bbolt.Tx) error {
		version = readVersion(tx)
		return nil
	})
	return version, err
}

func (d *DB) handle() (*bbolt.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil, ErrStoreUnavailable
	}
	return d.db, nil
}

func (d *DB) view(fn func(tx *bbolt.Tx) error) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return unavailable(db.View(fn))
}

func (d *DB) update(fn func(tx *bbolt.Tx) error) error {
	db, err := d.handle()
	if err != nil {
		return err
	}
	return unavailable(db.Update(fn))
}

// unavailable maps bbolt's closed-database errors onto ErrStoreUnavailable.
func unavailable(err error) error {
	if errors.Is(err, bolterrors.ErrDatabaseNotOpen) || errors.Is(err, bolterrors.ErrDatabaseReadOnly) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

type migration struct {
	version uint64
	apply   func(tx *bbolt.Tx) error
}

// migrations run in order; each only creates buckets or backfills indexes.
var migrations = []migration{
	{version: 1, apply: createBuckets(bucketCache, bucketQueries, bucketAPIKeys)},
	{version: 2, apply: func(tx *bbolt.Tx) error {
		if err := createBuckets(bucketQueriesByTimestamp, bucketQueriesByFramework)(tx); err != nil {
			return err
		}
		return reindexQueries(tx)
	}},
}

func migrate(db *bbolt.DB) (uint64, error) {
	var from uint64
	err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSchema); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketSchema, err)
		}
		from = readVersion(tx)
		for _, m := range migrations {
			if m.version <= from {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migrating to schema %d: %w", m.version, err)
			}
			if err := writeVersion(tx, m.version); err != nil {
				return err
			}
		}
		return nil
	})
	return from, err
}

func createBuckets(names ...[]byte) func(tx *bbolt.Tx) error {
	return func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}
}

func readVersion(tx *bbolt.Tx) uint64 {
	b := tx.Bucket(bucketSchema)
	if b == nil {
		return 0
	}
	v := b.Get(keySchemaVersion)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeVersion(tx *bbolt.Tx, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	if err := tx.Bucket(bucketSchema).Put(keySchemaVersion, buf); err != nil {
		return fmt.Errorf("writing schema version: %w", err)
	}
	return nil
}
