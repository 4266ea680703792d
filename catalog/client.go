// Package catalog is the client for the remote framework catalog, a
// PostgREST-style table of framework records. Content is compressed with the
// codec before upload and decompressed on read. Every read falls back from
// the remote table to mirrored cache copies and finally to synthetic
// placeholders, so callers always get records.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/codec"
	"github.com/wolfeidau/catalog-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	// Table is the remote table holding framework records.
	Table = "framework_data"

	// DefaultBatchSize bounds the records per upsert request.
	DefaultBatchSize = 50

	// DefaultSearchLimit caps search results.
	DefaultSearchLimit = 50

	// DefaultTimeout bounds each remote request.
	DefaultTimeout = 10 * time.Second

	// SearchColumn holds the plaintext copy of content that search filters on.
	// The content column itself is compressed and cannot be matched.
	SearchColumn = "search_text"

	// rowColumns is what reads select; the search column is never downloaded.
	rowColumns = "id,framework,content,url,stars,last_updated,content_type,compressed_size,content_hash,created_at,updated_at"
)

// ErrRemoteUnavailable is returned when the remote catalog is not configured
// or a request to it fails.
var ErrRemoteUnavailable = errors.New("remote catalog unavailable")

// Config holds remote catalog settings. An empty URL or APIKey means the
// remote tier is not configured.
type Config struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	BatchSize   int           `yaml:"batch_size"`
	SearchLimit int           `yaml:"search_limit"`
	Timeout     time.Duration `yaml:"timeout"`

	// MaxContentSize caps the decompressed size of a row's content. Zero
	// means codec.MaxDecodedSize.
	MaxContentSize int64 `yaml:"max_content_size"`
}

// Client talks to the remote catalog.
type Client struct {
	cfg    Config
	client *http.Client
	cache  *cache.Manager
	codec  *codec.Codec
	logger *slog.Logger
	now    func() time.Time

	fetches singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCache sets the cache used for mirrored copies.
func WithCache(m *cache.Manager) Option {
	return func(c *Client) {
		c.cache = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a catalog client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultSearchLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	var codecOpts []codec.Option
	if cfg.MaxContentSize > 0 {
		codecOpts = append(codecOpts, codec.WithMaxDecodedSize(cfg.MaxContentSize))
	}

	c := &Client{
		cfg:    cfg,
		codec:  codec.New(codecOpts...),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "catalog"),
		}
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

// Configured reports whether remote credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.URL != "" && c.cfg.APIKey != ""
}

// row is the wire shape of a framework_data row.
type row struct {
	ID             string    `json:"id"`
	Framework      string    `json:"framework"`
	Content        string    `json:"content"`
	URL            string    `json:"url"`
	Stars          int       `json:"stars"`
	LastUpdated    time.Time `json:"last_updated"`
	ContentType    string    `json:"content_type"`
	CompressedSize int       `json:"compressed_size"`
	ContentHash    string    `json:"content_hash,omitempty"`
	SearchText     string    `json:"search_text,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

func (c *Client) endpoint(q url.Values) string {
	u := c.cfg.URL + "/" + Table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: remote returned %d: %s", ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// selectRows runs a filtered select and decodes the rows into records.
// Rows whose content cannot be decoded, or does not match its content_hash,
// are dropped with a warning.
func (c *Client) selectRows(ctx context.Context, q url.Values) ([]catalogcache.FrameworkRecord, error) {
	if !c.Configured() {
		return nil, ErrRemoteUnavailable
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(q), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var rows []row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decoding rows: %w", ErrRemoteUnavailable, err)
	}

	records := make([]catalogcache.FrameworkRecord, 0, len(rows))
	for _, r := range rows {
		content, err := c.codec.Decode(r.Content)
		if err != nil {
			c.logger.Warn("dropping row with undecodable content", "id", r.ID, "error", err)
			continue
		}
		rec := catalogcache.FrameworkRecord{
			ID:             r.ID,
			Framework:      r.Framework,
			Content:        content,
			URL:            r.URL,
			Stars:          r.Stars,
			LastUpdated:    r.LastUpdated,
			ContentType:    catalogcache.ContentType(r.ContentType),
			CompressedSize: r.CompressedSize,
		}
		if err := checkContentHash(r.ContentHash, rec); err != nil {
			c.logger.Warn("dropping row with mismatched content", "id", r.ID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// checkContentHash compares a row's content_hash with the fingerprint of its
// decoded content. Rows written without a hash pass.
func checkContentHash(hash string, rec catalogcache.FrameworkRecord) error {
	if hash == "" {
		return nil
	}
	want, err := catalogcache.ParseHash(hash)
	if err != nil {
		return fmt.Errorf("content_hash: %w", err)
	}
	if got := rec.Fingerprint(); got != want {
		return fmt.Errorf("content_hash %s does not match %s", want.ShortString(), got.ShortString())
	}
	return nil
}

// remoteFetch returns records for a framework, most starred first.
// Concurrent identical fetches share one request.
func (c *Client) remoteFetch(ctx context.Context, tag string, limit int) ([]catalogcache.FrameworkRecord, error) {
	q := url.Values{}
	q.Set("select", rowColumns)
	q.Set("framework", "eq."+tag)
	q.Set("order", "stars.desc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	v, err, _ := c.fetches.Do(tag+"\x00"+strconv.Itoa(limit), func() (any, error) {
		return c.selectRows(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]catalogcache.FrameworkRecord), nil
}

// remoteSearch runs a case-insensitive substring match over the plaintext
// search column.
func (c *Client) remoteSearch(ctx context.Context, query, tag string) ([]catalogcache.FrameworkRecord, error) {
	q := url.Values{}
	q.Set("select", rowColumns)
	q.Set(SearchColumn, "ilike.*"+query+"*")
	if tag != "" {
		q.Set("framework", "eq."+tag)
	}
	q.Set("order", "stars.desc")
	q.Set("limit", strconv.Itoa(c.cfg.SearchLimit))
	return c.selectRows(ctx, q)
}

// Ping reports whether the remote table answers a minimal select.
func (c *Client) Ping(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	q := url.Values{}
	q.Set("select", "id")
	q.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(q), nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug("ping failed", "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

// toRow compresses a record for upload.
func (c *Client) toRow(r catalogcache.FrameworkRecord, now time.Time) (row, error) {
	encoded, err := c.codec.Encode(r.Content)
	if err != nil {
		return row{}, err
	}
	lastUpdated := r.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = now
	}
	contentType := r.ContentType
	if contentType == "" {
		contentType = catalogcache.ContentRepo
	}
	return row{
		ID:             r.ID,
		Framework:      r.Framework,
		Content:        encoded,
		URL:            r.URL,
		Stars:          r.Stars,
		LastUpdated:    lastUpdated,
		ContentType:    string(contentType),
		CompressedSize: len(encoded),
		ContentHash:    r.Fingerprint().String(),
		SearchText:     r.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// upsertRemote posts one batch, resolving conflicts on id with last write wins.
func (c *Client) upsertRemote(ctx context.Context, batch []catalogcache.FrameworkRecord) error {
	if !c.Configured() {
		return ErrRemoteUnavailable
	}

	now := c.now().UTC()
	rows := make([]row, 0, len(batch))
	for _, r := range batch {
		wire, err := c.toRow(r, now)
		if err != nil {
			return fmt.Errorf("encoding record %s: %w", r.ID, err)
		}
		rows = append(rows, wire)
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	q := url.Values{}
	q.Set("on_conflict", "id")
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(q), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
