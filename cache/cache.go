// Package cache implements the size-bounded cache that sits in front of the
// local store. It owns admission, eviction, size accounting and the
// recent-query history.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/store/localdb"
	"github.com/wolfeidau/catalog-cache/telemetry"
)

// ErrEntryTooLarge is returned by Set for a value that could never fit.
var ErrEntryTooLarge = errors.New("cache entry exceeds maximum cache size")

// Config holds cache configuration.
type Config struct {
	// MaxSize is the ceiling on the summed size of all entries in bytes.
	MaxSize int64

	// MaxQueries bounds the recent-query history.
	MaxQueries int

	// TTL expires entries not read within this duration during maintenance.
	// Zero disables it.
	TTL time.Duration

	// CheckInterval is how often background maintenance runs.
	CheckInterval time.Duration

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:       500 * 1024 * 1024, // 500 MiB
		MaxQueries:    1000,
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Store is the subset of the local store the cache needs.
type Store interface {
	GetEntry(ctx context.Context, key string) (*catalogcache.CacheEntry, error)
	PutEntry(ctx context.Context, entry *catalogcache.CacheEntry) (*catalogcache.CacheEntry, error)
	DeleteEntry(ctx context.Context, key string) error
	DeleteEntries(ctx context.Context, keys []string) (int64, error)
	AllEntries(ctx context.Context) ([]*catalogcache.CacheEntry, error)
	EntriesWithPrefix(ctx context.Context, prefix string) ([]*catalogcache.CacheEntry, error)
	CountEntries(ctx context.Context) (int, error)
	TotalEntrySize(ctx context.Context) (int64, error)

	PutQuery(ctx context.Context, rec *catalogcache.QueryRecord) error
	CountQueries(ctx context.Context) (int, error)
	RecentQueries(ctx context.Context, limit int) ([]*catalogcache.QueryRecord, error)
	QueriesByFramework(ctx context.Context, framework string, limit int) ([]*catalogcache.QueryRecord, error)
	PruneQueries(ctx context.Context, keep int) (int, error)
}

var _ Store = (*localdb.DB)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the cache. All writes are serialised so the running size stays
// consistent with what is persisted.
type Manager struct {
	config Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	size  int64
	ready bool

	bgMu    sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a cache over store.
func NewManager(store Store, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = def.MaxQueries
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		config: cfg,
		store:  store,
		logger: cfg.Logger.With("component", "cache"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recalculate rebuilds the running size from the persisted entries. It runs
// implicitly before the first operation that needs the size.
func (m *Manager) Recalculate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recalculateLocked(ctx)
}

func (m *Manager) recalculateLocked(ctx context.Context) error {
	total, err := m.store.TotalEntrySize(ctx)
	if err != nil {
		return err
	}
	m.size = total
	m.ready = true
	m.logger.Debug("recalculated cache size", "size", total)
	return nil
}

func (m *Manager) ensureReadyLocked(ctx context.Context) error {
	if m.ready {
		return nil
	}
	return m.recalculateLocked(ctx)
}

// Set stores value under key with a fresh timestamp and an access count of
// one, evicting other entries first if needed. Store failures are logged and
// returned.
func (m *Manager) Set(ctx context.Context, key string, value Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	size := int64(len(data))

	if size > m.config.MaxSize {
		telemetry.RecordCacheRejection(ctx)
		m.logger.Warn("rejected oversized cache entry", "key", key, "size", size, "max_size", m.config.MaxSize)
		return ErrEntryTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureReadyLocked(ctx); err != nil {
		m.logger.Error("cache unavailable", "op", "set", "key", key, "error", err)
		return err
	}

	var priorSize int64
	if prior, err := m.store.GetEntry(ctx, key); err == nil {
		priorSize = prior.Size
	}

	if _, err := m.ensureSpaceLocked(ctx, size-priorSize, key); err != nil {
		m.logger.Warn("making space failed", "key", key, "error", err)
	}

	prior, err := m.store.PutEntry(ctx, &catalogcache.CacheEntry{
		Key:         key,
		Value:       data,
		Timestamp:   m.now().UTC(),
		Size:        size,
		AccessCount: 1,
	})
	if err != nil {
		m.logger.Error("cache write failed", "key", key, "error", err)
		return err
	}

	if prior != nil {
		m.size -= prior.Size
	}
	m.size += size

	telemetry.RecordCacheWrite(ctx, size, prior != nil)
	m.logger.Debug("cache set", "key", key, "kind", value.Kind, "size", size, "cache_size", m.size)
	return nil
}

// Get returns the value stored under key. A hit refreshes the entry's
// timestamp and bumps its access count. Misses and store failures report false.
func (m *Manager) Get(ctx context.Context, key string) (Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.store.GetEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, localdb.ErrNotFound) {
			m.logger.Warn("cache read failed", "key", key, "error", err)
		}
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return Value{}, false
	}

	var val Value
	if err := json.Unmarshal(entry.Value, &val); err != nil {
		m.logger.Warn("unreadable cache value", "key", key, "error", err)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return Value{}, false
	}

	entry.Timestamp = m.now().UTC()
	entry.AccessCount++
	if _, err := m.store.PutEntry(ctx, entry); err != nil {
		m.logger.Warn("recording cache access failed", "key", key, "error", err)
	}

	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return val, true
}

// Delete removes key and reports whether it was present.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureReadyLocked(ctx); err != nil {
		return false, err
	}
	entry, err := m.store.GetEntry(ctx, key)
	if errors.Is(err, localdb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.store.DeleteEntry(ctx, key); err != nil {
		m.logger.Error("cache delete failed", "key", key, "error", err)
		return false, err
	}
	m.size -= entry.Size

	m.logger.Debug("cache delete", "key", key, "size", entry.Size, "cache_size", m.size)
	return true, nil
}

// Item is a key and its cached value.
type Item struct {
	Key   string
	Value Value
}

// EntriesWithPrefix returns the cached values whose key starts with prefix.
// It is a scan and does not count as access.
func (m *Manager) EntriesWithPrefix(ctx context.Context, prefix string) []Item {
	entries, err := m.store.EntriesWithPrefix(ctx, prefix)
	if err != nil {
		m.logger.Warn("cache scan failed", "prefix", prefix, "error", err)
		return nil
	}
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		var val Value
		if err := json.Unmarshal(e.Value, &val); err != nil {
			continue
		}
		items = append(items, Item{Key: e.Key, Value: val})
	}
	return items
}

// EvictResult contains the results of an eviction run.
type EvictResult struct {
	Evicted    int
	BytesFreed int64
}

// EnsureSpace evicts entries until incoming more bytes fit under MaxSize.
func (m *Manager) EnsureSpace(ctx context.Context, incoming int64) (EvictResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureReadyLocked(ctx); err != nil {
		return EvictResult{}, err
	}
	return m.ensureSpaceLocked(ctx, incoming, "")
}

// ensureSpaceLocked evicts in retention order, never choosing keep, and
// deletes all victims in one store transaction.
func (m *Manager) ensureSpaceLocked(ctx context.Context, incoming int64, keep string) (EvictResult, error) {
	var result EvictResult
	if m.size+incoming <= m.config.MaxSize {
		return result, nil
	}

	start := m.now()
	entries, err := m.store.AllEntries(ctx)
	if err != nil {
		return result, err
	}

	now := m.now()
	sort.Slice(entries, func(i, j int) bool {
		return evictsBefore(entries[i], entries[j], now)
	})

	projected := m.size
	var victims []string
	for _, e := range entries {
		if projected+incoming <= m.config.MaxSize {
			break
		}
		if e.Key == keep {
			continue
		}
		victims = append(victims, e.Key)
		projected -= e.Size

		m.logger.Debug("evicting cache entry",
			"key", e.Key,
			"size", e.Size,
			"access_count", e.AccessCount,
			"last_access", e.Timestamp,
		)
	}
	if len(victims) == 0 {
		return result, nil
	}

	freed, err := m.store.DeleteEntries(ctx, victims)
	if err != nil {
		return result, err
	}
	m.size -= freed

	result = EvictResult{Evicted: len(victims), BytesFreed: freed}
	duration := m.now().Sub(start)
	telemetry.RecordCacheEviction(ctx, result.Evicted, result.BytesFreed, duration)
	m.logger.Info("cache eviction complete",
		"evicted", result.Evicted,
		"bytes_freed", result.BytesFreed,
		"cache_size", m.size,
		"duration", duration,
	)
	return result, nil
}

// retention scores how much an entry is worth keeping: frequent use raises
// it, time since last access lowers it.
func retention(e *catalogcache.CacheEntry, now time.Time) float64 {
	age := now.Sub(e.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(e.AccessCount)*0.7 - age*0.3
}

// evictsBefore orders entries for eviction: lowest retention first, then the
// older last access, then key.
func evictsBefore(a, b *catalogcache.CacheEntry, now time.Time) bool {
	ra, rb := retention(a, now), retention(b, now)
	if ra != rb {
		return ra < rb
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Key < b.Key
}

// Stats describes cache usage.
type Stats struct {
	Size               int64   `json:"size"`
	MaxSize            int64   `json:"maxSize"`
	EntryCount         int     `json:"entryCount"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	QueryCount         int     `json:"queryCount"`
}

// Stats returns the running size, a live entry count and the history length.
func (m *Manager) Stats(ctx context.Context) Stats {
	m.mu.Lock()
	if err := m.ensureReadyLocked(ctx); err != nil {
		m.logger.Warn("cache stats unavailable", "error", err)
	}
	size := m.size
	m.mu.Unlock()

	count, err := m.store.CountEntries(ctx)
	if err != nil {
		m.logger.Warn("counting cache entries failed", "error", err)
	}

	queries, err := m.store.CountQueries(ctx)
	if err != nil {
		m.logger.Warn("counting queries failed", "error", err)
	}

	telemetry.UpdateCacheState(ctx, size, count, m.config.MaxSize)
	return Stats{
		Size:               size,
		MaxSize:            m.config.MaxSize,
		EntryCount:         count,
		UtilizationPercent: 100 * float64(size) / float64(m.config.MaxSize),
		QueryCount:         queries,
	}
}

// RecordQuery stores a query in the history and trims it to MaxQueries.
func (m *Manager) RecordQuery(ctx context.Context, rec *catalogcache.QueryRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now().UTC()
	}
	if err := m.store.PutQuery(ctx, rec); err != nil {
		m.logger.Warn("recording query failed", "query", rec.Query, "error", err)
		return
	}
	if n, err := m.store.PruneQueries(ctx, m.config.MaxQueries); err != nil {
		m.logger.Warn("pruning query history failed", "error", err)
	} else if n > 0 {
		m.logger.Debug("pruned query history", "removed", n)
	}
}

// RecentQueries returns up to limit queries, newest first.
func (m *Manager) RecentQueries(ctx context.Context, limit int) []*catalogcache.QueryRecord {
	recs, err := m.store.RecentQueries(ctx, limit)
	if err != nil {
		m.logger.Warn("reading query history failed", "error", err)
		return nil
	}
	return recs
}

// QueriesByFramework returns up to limit queries for a framework, newest first.
func (m *Manager) QueriesByFramework(ctx context.Context, framework string, limit int) []*catalogcache.QueryRecord {
	recs, err := m.store.QueriesByFramework(ctx, framework, limit)
	if err != nil {
		m.logger.Warn("reading query history failed", "framework", framework, "error", err)
		return nil
	}
	return recs
}
