// Package datalayer is the single entry point the UI layer talks to. A
// Service owns the local store, the cache and the remote clients, and turns
// every read into a usable answer even when the remote collaborators are
// down or not configured.
package datalayer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/catalog"
	"github.com/wolfeidau/catalog-cache/store/localdb"
	"github.com/wolfeidau/catalog-cache/vault"
	"github.com/wolfeidau/catalog-cache/vector"
)

// DefaultDBFile is the local database file name inside the data directory.
const DefaultDBFile = "catalog-cache.db"

// Config holds service configuration.
type Config struct {
	// DataDir holds the local database file.
	DataDir string

	// Cache configures size bounds, history length and maintenance.
	Cache cache.Config

	// Catalog configures the remote catalog. Leaving URL or APIKey empty
	// runs the service on the cache and synthetic tiers only.
	Catalog catalog.Config

	// Vector configures the vector service. An empty BaseURL disables it.
	Vector vector.Config

	// StaleAfter is the age past which IsStale reports a record as stale.
	StaleAfter time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithSealer sets how stored API keys are encrypted. The default is
// vault.EmbeddedKeySealer.
func WithSealer(sealer vault.Sealer) Option {
	return func(s *Service) {
		s.sealer = sealer
	}
}

// WithHTTPClient sets the HTTP client shared by the remote clients.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.httpClient = client
	}
}

// Service is the data layer.
type Service struct {
	config     Config
	logger     *slog.Logger
	now        func() time.Time
	sealer     vault.Sealer
	httpClient *http.Client

	initOnce sync.Once
	initErr  error

	db      *localdb.DB
	cache   *cache.Manager
	catalog *catalog.Client
	vector  *vector.Client
}

// New creates a Service. Nothing is opened until Init.
func New(cfg Config, opts ...Option) *Service {
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = catalogcache.DefaultStaleAfter
	}

	s := &Service{
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
		sealer: vault.EmbeddedKeySealer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "datalayer")
	return s
}

// Init opens the local store, rebuilds the cache size from disk and builds
// the remote clients. Only the first call does any work; later calls return
// its result. A local store that cannot be opened is the one failure that
// propagates, wrapped around localdb.ErrStoreUnavailable.
func (s *Service) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.init(ctx)
	})
	return s.initErr
}

func (s *Service) init(ctx context.Context) error {
	if err := os.MkdirAll(s.config.DataDir, 0o700); err != nil {
		return fmt.Errorf("%w: creating data dir: %w", localdb.ErrStoreUnavailable, err)
	}
	path := filepath.Join(s.config.DataDir, DefaultDBFile)
	db := localdb.New(localdb.WithLogger(s.logger), localdb.WithNow(s.now))
	if err := db.Open(path); err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}

	cacheCfg := s.config.Cache
	if cacheCfg.Logger == nil {
		cacheCfg.Logger = s.logger
	}
	cm := cache.NewManager(db, cacheCfg, cache.WithNow(s.now))
	if err := cm.Recalculate(ctx); err != nil {
		s.logger.Warn("recalculating cache size failed", "error", err)
	}

	catalogOpts := []catalog.Option{
		catalog.WithCache(cm),
		catalog.WithLogger(s.logger),
		catalog.WithNow(s.now),
	}
	vectorOpts := []vector.Option{
		vector.WithCache(cm),
		vector.WithLogger(s.logger),
	}
	if s.httpClient != nil {
		catalogOpts = append(catalogOpts, catalog.WithHTTPClient(s.httpClient))
		vectorOpts = append(vectorOpts, vector.WithHTTPClient(s.httpClient))
	}
	cat := catalog.New(s.config.Catalog, catalogOpts...)
	vectorOpts = append(vectorOpts, vector.WithTextSearch(cat))

	s.db = db
	s.cache = cm
	s.catalog = cat
	s.vector = vector.New(s.config.Vector, vectorOpts...)

	s.logger.Info("data layer initialised",
		"path", path,
		"cache_size", cm.Stats(ctx).Size,
		"remote_catalog", cat.Configured(),
		"vector_service", s.vector.Configured(),
	)
	return nil
}

// Start runs cache maintenance in the background until ctx is done or
// Close is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	return s.cache.Start(ctx)
}

// Close stops maintenance and closes the local store.
func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.Stop()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ready initialises the service on first use.
func (s *Service) ready(ctx context.Context, op string) bool {
	if err := s.Init(ctx); err != nil {
		s.logger.Warn("data layer unavailable", "op", op, "error", err)
		return false
	}
	return true
}

// CacheSet stores v under key tagged with kind.
func (s *Service) CacheSet(ctx context.Context, key string, kind cache.Kind, v any) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	val, err := cache.NewValue(kind, v)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	return s.cache.Set(ctx, key, val)
}

// CacheGet returns the value under key, or false on a miss.
func (s *Service) CacheGet(ctx context.Context, key string) (cache.Value, bool) {
	if !s.ready(ctx, "cache_get") {
		return cache.Value{}, false
	}
	return s.cache.Get(ctx, key)
}

// CacheDelete removes key and reports whether it was cached.
func (s *Service) CacheDelete(ctx context.Context, key string) (bool, error) {
	if err := s.Init(ctx); err != nil {
		return false, err
	}
	return s.cache.Delete(ctx, key)
}

// GetCacheStats returns cache usage. An uninitialised service reports zeros.
func (s *Service) GetCacheStats(ctx context.Context) cache.Stats {
	if !s.ready(ctx, "cache_stats") {
		return cache.Stats{MaxSize: s.config.Cache.MaxSize}
	}
	return s.cache.Stats(ctx)
}

// StoreFrameworkData uploads records to the remote catalog, mirroring what
// it cannot take into the cache.
func (s *Service) StoreFrameworkData(ctx context.Context, records []catalogcache.FrameworkRecord) (catalog.UpsertResult, error) {
	if err := s.Init(ctx); err != nil {
		return catalog.UpsertResult{}, err
	}
	return s.catalog.UpsertBatch(ctx, records)
}

// GetFrameworkData returns up to limit records for a framework and the tier
// that served them.
func (s *Service) GetFrameworkData(ctx context.Context, tag string, limit int) ([]catalogcache.FrameworkRecord, catalogcache.Source) {
	if !s.ready(ctx, "get_framework_data") {
		return limitRecords(catalog.SyntheticRecords(tag), limit), catalogcache.SourceSynthetic
	}
	return s.catalog.FetchByFramework(ctx, tag, limit)
}

// StoreVectorEmbeddings sends embeddings to the vector service or parks them
// in the cache. Records without an id are given a random one.
func (s *Service) StoreVectorEmbeddings(ctx context.Context, records []catalogcache.VectorRecord) (catalogcache.Source, error) {
	if err := s.Init(ctx); err != nil {
		return catalogcache.SourceNone, err
	}
	for i := range records {
		if records[i].ID != "" {
			continue
		}
		id, err := vault.GenerateID()
		if err != nil {
			return catalogcache.SourceNone, err
		}
		records[i].ID = id
	}
	return s.vector.StoreEmbeddings(ctx, records)
}

// SearchVectorEmbeddings ranks stored embeddings against query.
func (s *Service) SearchVectorEmbeddings(ctx context.Context, query, tag string, limit int) ([]vector.Result, catalogcache.Source) {
	if !s.ready(ctx, "search_vector_embeddings") {
		return []vector.Result{}, catalogcache.SourceNone
	}
	return s.vector.Search(ctx, query, tag, limit)
}

// GenerateEmbedding embeds text, falling back to the pseudo-embedding.
func (s *Service) GenerateEmbedding(ctx context.Context, text string) ([]float32, catalogcache.Source) {
	if !s.ready(ctx, "generate_embedding") {
		return vector.EmbedFallback(text, s.config.Vector.Dimensions), catalogcache.SourceSynthetic
	}
	return s.vector.Embed(ctx, text)
}

// RecordQuery adds a query to the recent-query history.
func (s *Service) RecordQuery(ctx context.Context, rec *catalogcache.QueryRecord) {
	if !s.ready(ctx, "record_query") {
		return
	}
	s.cache.RecordQuery(ctx, rec)
}

// RecentQueries returns up to limit queries, newest first. A non-empty
// framework restricts the history to that framework.
func (s *Service) RecentQueries(ctx context.Context, framework string, limit int) []*catalogcache.QueryRecord {
	if !s.ready(ctx, "recent_queries") {
		return []*catalogcache.QueryRecord{}
	}
	var recs []*catalogcache.QueryRecord
	if framework != "" {
		recs = s.cache.QueriesByFramework(ctx, framework, limit)
	} else {
		recs = s.cache.RecentQueries(ctx, limit)
	}
	if recs == nil {
		recs = []*catalogcache.QueryRecord{}
	}
	return recs
}

// IsStale reports whether r is older than the configured StaleAfter.
func (s *Service) IsStale(r catalogcache.FrameworkRecord) bool {
	return catalogcache.IsStale(r, s.now(), s.config.StaleAfter)
}

func limitRecords(records []catalogcache.FrameworkRecord, limit int) []catalogcache.FrameworkRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
