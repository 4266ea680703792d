// Package vector is the client for the vector service that stores and
// searches framework embeddings. Stores fall back to parking embeddings in
// the cache. Searches fall back to ranking those parked embeddings and then
// to catalog text search. Embedding falls back to a deterministic
// pseudo-embedding.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/viterin/vek/vek32"
	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/fallback"
	"github.com/wolfeidau/catalog-cache/telemetry"
)

const (
	// DefaultDimensions is the embedding width.
	DefaultDimensions = 384

	// DefaultTimeout bounds each request to the vector service.
	DefaultTimeout = 10 * time.Second

	// DefaultSearchLimit is used when a search passes no limit.
	DefaultSearchLimit = 10
)

// ErrUnavailable is returned when the vector service is not configured or a
// request to it fails.
var ErrUnavailable = errors.New("vector service unavailable")

// Config holds vector service settings. An empty BaseURL means the service is
// not configured.
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TextSearcher is the catalog search used when the vector service cannot
// answer.
type TextSearcher interface {
	Search(ctx context.Context, query, tag string) ([]catalogcache.FrameworkRecord, catalogcache.Source)
}

// Result is one ranked search hit.
type Result struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Client talks to the vector service.
type Client struct {
	cfg    Config
	client *http.Client
	cache  *cache.Manager
	text   TextSearcher
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCache sets the cache embeddings are parked in when a store fails.
func WithCache(m *cache.Manager) Option {
	return func(c *Client) {
		c.cache = m
	}
}

// WithTextSearch sets the search used when the vector service fails.
func WithTextSearch(s TextSearcher) Option {
	return func(c *Client) {
		c.text = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a vector client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "vector"),
		}
	}
	c.logger = c.logger.With("component", "vector")
	return c
}

// Configured reports whether a service base URL is set.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != ""
}

// StoreEmbeddings sends records to the vector service. When the service
// cannot take them each record is parked in the cache under embedding_{id}
// and SourceCache is returned. An error means some record was stored nowhere.
func (c *Client) StoreEmbeddings(ctx context.Context, records []catalogcache.VectorRecord) (catalogcache.Source, error) {
	if len(records) == 0 {
		return catalogcache.SourceVector, nil
	}

	err := c.post(ctx, "/store", map[string]any{"embeddings": records}, nil)
	if err == nil {
		return catalogcache.SourceVector, nil
	}
	c.logger.Warn("vector store failed, parking embeddings in cache", "records", len(records), "error", err)

	if c.cache == nil {
		return catalogcache.SourceNone, err
	}
	for _, r := range records {
		if perr := cache.Put(ctx, c.cache, catalogcache.EmbeddingCacheKey(r.ID), cache.KindEmbedding, r); perr != nil {
			return catalogcache.SourceNone, fmt.Errorf("parking embedding %s: %w", r.ID, perr)
		}
	}
	return catalogcache.SourceCache, nil
}

// Search ranks stored embeddings against query. When the vector service
// cannot answer, embeddings parked in the cache are ranked locally, and
// after that catalog text search results are returned with scores that
// decrease by 0.1 per rank so callers see the same shape either way.
func (c *Client) Search(ctx context.Context, query, tag string, limit int) ([]Result, catalogcache.Source) {
	return c.search(ctx, query, tag, limit, c.text)
}

// SearchEmbeddings is Search without the catalog text tier, for callers that
// run the catalog search themselves.
func (c *Client) SearchEmbeddings(ctx context.Context, query, tag string, limit int) ([]Result, catalogcache.Source) {
	return c.search(ctx, query, tag, limit, nil)
}

func (c *Client) search(ctx context.Context, query, tag string, limit int, text TextSearcher) ([]Result, catalogcache.Source) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	textSource := catalogcache.SourceNone
	results, src, _ := fallback.FirstSuccess(ctx, c.logger, "vector_search",
		fallback.Attempt[[]Result]{
			Source: catalogcache.SourceVector,
			Run: func(ctx context.Context) ([]Result, error) {
				return c.remoteSearch(ctx, query, tag, limit)
			},
		},
		fallback.Attempt[[]Result]{
			Source: catalogcache.SourceCache,
			Run: func(ctx context.Context) ([]Result, error) {
				return c.parkedSearch(ctx, query, tag, limit)
			},
		},
		fallback.Attempt[[]Result]{
			Source: catalogcache.SourceRemote,
			Run: func(ctx context.Context) ([]Result, error) {
				if text == nil {
					return nil, fallback.ErrSkip
				}
				records, s := text.Search(ctx, query, tag)
				if len(records) == 0 {
					return nil, fallback.ErrSkip
				}
				textSource = s
				return pseudoScored(records, limit), nil
			},
		},
	)
	if src == catalogcache.SourceRemote {
		src = textSource
	}
	if results == nil {
		results = []Result{}
	}
	return results, src
}

// parkedSearch ranks the embeddings parked in the cache by cosine similarity
// to the fallback embedding of query. Only positive scores count as matches.
func (c *Client) parkedSearch(ctx context.Context, query, tag string, limit int) ([]Result, error) {
	if c.cache == nil {
		return nil, fallback.ErrSkip
	}
	q := EmbedFallback(query, c.cfg.Dimensions)

	var out []Result
	for _, it := range c.cache.EntriesWithPrefix(ctx, catalogcache.EmbeddingKeyPrefix) {
		if it.Value.Kind != cache.KindEmbedding {
			continue
		}
		var rec catalogcache.VectorRecord
		if err := it.Value.Decode(&rec); err != nil {
			continue
		}
		if tag != "" && rec.Framework != tag {
			continue
		}
		score := Similarity(q, rec.Embedding)
		if score <= 0 {
			continue
		}
		md := make(map[string]any, len(rec.Metadata)+2)
		maps.Copy(md, rec.Metadata)
		md["framework"] = rec.Framework
		md["content_id"] = rec.ContentID
		out = append(out, Result{ID: rec.ID, Score: float64(score), Metadata: md})
	}
	if len(out) == 0 {
		return nil, fallback.ErrSkip
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out[:min(limit, len(out))], nil
}

// Embed returns an embedding for text from the service, or the
// deterministic pseudo-embedding when the service cannot answer.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, catalogcache.Source) {
	vec, src, _ := fallback.FirstSuccess(ctx, c.logger, "embed",
		fallback.Attempt[[]float32]{
			Source: catalogcache.SourceVector,
			Run: func(ctx context.Context) ([]float32, error) {
				return c.remoteEmbed(ctx, text)
			},
		},
		fallback.Attempt[[]float32]{
			Source: catalogcache.SourceSynthetic,
			Run: func(context.Context) ([]float32, error) {
				return EmbedFallback(text, c.cfg.Dimensions), nil
			},
		},
	)
	return vec, src
}

// Health reports whether the service answers GET /health.
func (c *Client) Health(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

func (c *Client) remoteSearch(ctx context.Context, query, tag string, limit int) ([]Result, error) {
	if !c.Configured() {
		return nil, fallback.ErrSkip
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	if tag != "" {
		q.Set("framework", tag)
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding search response: %w", ErrUnavailable, err)
	}
	if out.Results == nil {
		out.Results = []Result{}
	}
	return out.Results, nil
}

func (c *Client) remoteEmbed(ctx context.Context, text string) ([]float32, error) {
	if !c.Configured() {
		return nil, fallback.ErrSkip
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/embed", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) != c.cfg.Dimensions {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d", ErrUnavailable, len(out.Embedding), c.cfg.Dimensions)
	}
	return out.Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if !c.Configured() {
		return ErrUnavailable
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: service returned %d", ErrUnavailable, resp.StatusCode)
	}
	return resp, nil
}

func pseudoScored(records []catalogcache.FrameworkRecord, limit int) []Result {
	if len(records) > limit {
		records = records[:limit]
	}
	out := make([]Result, 0, len(records))
	for i, r := range records {
		out = append(out, Result{
			ID:    r.ID,
			Score: 1 - float64(i)*0.1,
			Metadata: map[string]any{
				"framework":    r.Framework,
				"url":          r.URL,
				"stars":        r.Stars,
				"content_type": string(r.ContentType),
			},
		})
	}
	return out
}

// EmbedFallback builds a deterministic pseudo-embedding of text. Each
// whitespace-separated token is hashed with h = h*31 + c, wrapping at 32
// bits, and contributes sin(h + d) * 0.1 to every dimension d. The sum is
// L2-normalised. Text with no tokens yields the zero vector.
func EmbedFallback(text string, dims int) []float32 {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	acc := make([]float64, dims)
	for _, tok := range strings.Fields(text) {
		var h int32
		for _, c := range tok {
			h = h*31 + int32(c)
		}
		for d := range acc {
			acc[d] += math.Sin(float64(h)+float64(d)) * 0.1
		}
	}

	vec := make([]float32, dims)
	for i, v := range acc {
		vec[i] = float32(v)
	}
	if n := vek32.Norm(vec); n > 0 {
		vek32.DivNumber_Inplace(vec, n)
	}
	return vec
}

// Similarity returns the cosine similarity of a and b, or 0 when either is
// a zero vector or their lengths differ.
func Similarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	s := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(s)) {
		return 0
	}
	return s
}
