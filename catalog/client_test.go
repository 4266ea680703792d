package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/codec"
	"github.com/wolfeidau/catalog-cache/store/localdb"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) *cache.Manager {
	t.Helper()
	db := localdb.New(localdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = db.Close() })
	return cache.NewManager(db, cache.DefaultConfig(), cache.WithNow(func() time.Time { return testNow }))
}

func newTestClient(t *testing.T, url string, m *cache.Manager) *Client {
	t.Helper()
	cfg := Config{URL: url, APIKey: "test-key", BatchSize: 2}
	if url == "" {
		cfg.APIKey = ""
	}
	return New(cfg, WithHTTPClient(http.DefaultClient), WithCache(m), WithNow(func() time.Time { return testNow }))
}

func wireRow(t *testing.T, id, framework, content string, stars int) row {
	t.Helper()
	encoded, err := codec.Encode(content)
	require.NoError(t, err)
	return row{
		ID:             id,
		Framework:      framework,
		Content:        encoded,
		Stars:          stars,
		ContentType:    "repo",
		CompressedSize: len(encoded),
	}
}

func record(id, framework, content string, stars int) catalogcache.FrameworkRecord {
	return catalogcache.FrameworkRecord{
		ID:          id,
		Framework:   framework,
		Content:     content,
		Stars:       stars,
		ContentType: catalogcache.ContentRepo,
	}
}

func TestFetchByFrameworkRemote(t *testing.T) {
	var gotQuery, gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/"+Table, r.URL.Path)
		_ = json.NewEncoder(w).Encode([]row{
			wireRow(t, "a", "crewai", "multi agent crews", 900),
			{ID: "bad", Framework: "crewai", Content: "!!not base64!!"},
			wireRow(t, "b", "crewai", "tools and tasks", 100),
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newTestCache(t))
	records, src := c.FetchByFramework(context.Background(), "crewai", 10)

	assert.Equal(t, catalogcache.SourceRemote, src)
	require.Len(t, records, 2)
	assert.Equal(t, "multi agent crews", records[0].Content)
	assert.Equal(t, "tools and tasks", records[1].Content)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Contains(t, gotQuery, "framework=eq.crewai")
	assert.Contains(t, gotQuery, "order=stars.desc")
	assert.Contains(t, gotQuery, "limit=10")
}

func TestFetchByFrameworkDropsUntrustedRows(t *testing.T) {
	good := wireRow(t, "good", "crewai", "verified content", 3)
	good.ContentHash = catalogcache.HashString("verified content").String()

	tampered := wireRow(t, "tampered", "crewai", "changed after upload", 2)
	tampered.ContentHash = catalogcache.HashString("original content").String()

	garbled := wireRow(t, "garbled", "crewai", "anything", 1)
	garbled.ContentHash = "not-hex"

	big := wireRow(t, "big", "crewai", strings.Repeat("a", 4096), 9)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]row{big, good, tampered, garbled})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "k", MaxContentSize: 1024}, WithHTTPClient(http.DefaultClient))
	records, src := c.FetchByFramework(context.Background(), "crewai", 10)

	assert.Equal(t, catalogcache.SourceRemote, src)
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].ID)
	assert.Equal(t, "verified content", records[0].Content)
}

func TestEmptyRemoteFallsThrough(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	t.Run("to mirrors", func(t *testing.T) {
		m := newTestCache(t)
		require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("crewai", "m1"), cache.KindFramework, record("m1", "crewai", "written during an outage", 7)))
		c := newTestClient(t, srv.URL, m)

		records, src := c.FetchByFramework(ctx, "crewai", 10)
		assert.Equal(t, catalogcache.SourceCache, src)
		require.Len(t, records, 1)
		assert.Equal(t, "m1", records[0].ID)

		found, src := c.Search(ctx, "outage", "crewai")
		assert.Equal(t, catalogcache.SourceCache, src)
		require.Len(t, found, 1)
		assert.Equal(t, "m1", found[0].ID)
	})

	t.Run("to synthetic", func(t *testing.T) {
		c := newTestClient(t, srv.URL, newTestCache(t))

		records, src := c.FetchByFramework(ctx, "crewai", 10)
		assert.Equal(t, catalogcache.SourceSynthetic, src)
		assert.Equal(t, SyntheticRecords("crewai"), records)
	})
}

func TestFetchByFrameworkFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestCache(t)
	require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("crewai", "low"), cache.KindFramework, record("low", "crewai", "x", 1)))
	require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("crewai", "high"), cache.KindFramework, record("high", "crewai", "y", 50)))
	require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("crewaix", "other"), cache.KindFramework, record("other", "crewaix", "z", 99)))

	c := newTestClient(t, srv.URL, m)
	records, src := c.FetchByFramework(ctx, "crewai", 10)

	assert.Equal(t, catalogcache.SourceCache, src)
	require.Len(t, records, 2)
	assert.Equal(t, "high", records[0].ID)
	assert.Equal(t, "low", records[1].ID)
}

func TestMirroredIgnoresUnderscoreSiblings(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)
	require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("semantic", "s1"), cache.KindFramework, record("s1", "semantic", "kernel planner", 1)))
	require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("semantic_kernel", "k1"), cache.KindFramework, record("k1", "semantic_kernel", "kernel skills", 99)))

	c := newTestClient(t, "", m)

	records, src := c.FetchByFramework(ctx, "semantic", 10)
	assert.Equal(t, catalogcache.SourceCache, src)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].ID)

	found, _ := c.Search(ctx, "kernel", "semantic")
	require.Len(t, found, 1)
	assert.Equal(t, "s1", found[0].ID)

	all, _ := c.Search(ctx, "kernel", "")
	assert.Len(t, all, 2)

	records, _ = c.FetchByFramework(ctx, "semantic_kernel", 10)
	require.Len(t, records, 1)
	assert.Equal(t, "k1", records[0].ID)
}

func TestFetchByFrameworkSynthetic(t *testing.T) {
	c := newTestClient(t, "", newTestCache(t))
	records, src := c.FetchByFramework(context.Background(), "crewai", 10)

	assert.Equal(t, catalogcache.SourceSynthetic, src)
	require.NotEmpty(t, records)
	for _, r := range records {
		assert.Equal(t, "crewai", r.Framework)
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, records, SyntheticRecords("crewai"))

	limited, _ := c.FetchByFramework(context.Background(), "crewai", 1)
	assert.Len(t, limited, 1)
}

func TestUpsertBatchSplitsRequests(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]row
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")

		var rows []row
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rows))
		mu.Lock()
		batches = append(batches, rows)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, newTestCache(t))
	records := []catalogcache.FrameworkRecord{
		record("1", "crewai", "one", 1),
		record("2", "crewai", "two", 2),
		record("3", "crewai", "three", 3),
	}
	res, err := c.UpsertBatch(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, UpsertResult{Remote: 3}, res)
	assert.Equal(t, catalogcache.SourceRemote, res.Source())
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	first := batches[0][0]
	plain, err := codec.Decode(first.Content)
	require.NoError(t, err)
	assert.Equal(t, "one", plain)
	assert.Equal(t, len(first.Content), first.CompressedSize)
	assert.Equal(t, records[0].Fingerprint().String(), first.ContentHash)
	assert.Equal(t, "one", first.SearchText)
	assert.Equal(t, testNow, first.LastUpdated)
}

func TestUpsertBatchMirrorsFailedBatches(t *testing.T) {
	ctx := context.Background()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := newTestCache(t)
	c := newTestClient(t, srv.URL, m)
	res, err := c.UpsertBatch(ctx, []catalogcache.FrameworkRecord{
		record("1", "crewai", "one", 1),
		record("2", "crewai", "two", 2),
		record("3", "crewai", "three", 3),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Remote: 2, Mirrored: 1}, res)
	assert.Equal(t, catalogcache.SourceCache, res.Source())

	val, ok := m.Get(ctx, catalogcache.FrameworkCacheKey("crewai", "3"))
	require.True(t, ok)
	var got catalogcache.FrameworkRecord
	require.NoError(t, val.Decode(&got))
	assert.Equal(t, "three", got.Content)
	assert.Equal(t, testNow, got.LastUpdated)
}

func TestUpsertBatchWithoutCredentialsMirrorsAll(t *testing.T) {
	ctx := context.Background()
	m := newTestCache(t)
	c := newTestClient(t, "", m)

	res, err := c.UpsertBatch(ctx, []catalogcache.FrameworkRecord{record("1", "langgraph", "graph", 5)})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Mirrored: 1}, res)

	records, src := c.FetchByFramework(ctx, "langgraph", 10)
	assert.Equal(t, catalogcache.SourceCache, src)
	require.Len(t, records, 1)
	assert.Equal(t, "graph", records[0].Content)
}

func TestUpsertBatchRejectsInvalidRecords(t *testing.T) {
	c := newTestClient(t, "", newTestCache(t))
	_, err := c.UpsertBatch(context.Background(), []catalogcache.FrameworkRecord{{ID: "x"}})
	require.Error(t, err)
}

func TestSearch(t *testing.T) {
	t.Run("remote", func(t *testing.T) {
		var query url.Values
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.Query()
			_ = json.NewEncoder(w).Encode([]row{wireRow(t, "a", "crewai", "Agent memory", 3)})
		}))
		defer srv.Close()

		c := newTestClient(t, srv.URL, newTestCache(t))
		records, src := c.Search(context.Background(), "memory", "crewai")
		assert.Equal(t, catalogcache.SourceRemote, src)
		require.Len(t, records, 1)
		assert.Equal(t, "Agent memory", records[0].Content)

		assert.Equal(t, "ilike.*memory*", query.Get(SearchColumn))
		assert.Empty(t, query.Get("content"))
		assert.Equal(t, "eq.crewai", query.Get("framework"))
		assert.NotContains(t, query.Get("select"), SearchColumn)
	})

	t.Run("cache is case insensitive", func(t *testing.T) {
		ctx := context.Background()
		m := newTestCache(t)
		require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("crewai", "a"), cache.KindFramework, record("a", "crewai", "Shared MEMORY for agents", 1)))
		require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("autogen", "b"), cache.KindFramework, record("b", "autogen", "memory store", 2)))
		require.NoError(t, cache.Put(ctx, m, catalogcache.FrameworkCacheKey("autogen", "c"), cache.KindFramework, record("c", "autogen", "planning", 9)))

		c := newTestClient(t, "", m)
		records, src := c.Search(ctx, "memory", "")
		assert.Equal(t, catalogcache.SourceCache, src)
		require.Len(t, records, 2)
		assert.Equal(t, "b", records[0].ID)

		scoped, _ := c.Search(ctx, "memory", "crewai")
		require.Len(t, scoped, 1)
		assert.Equal(t, "a", scoped[0].ID)
	})

	t.Run("nothing anywhere", func(t *testing.T) {
		c := newTestClient(t, "", newTestCache(t))
		records, src := c.Search(context.Background(), "zzz-no-match", "")
		assert.Equal(t, catalogcache.SourceNone, src)
		assert.NotNil(t, records)
		assert.Empty(t, records)
	})
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "id", r.URL.Query().Get("select"))
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	assert.True(t, newTestClient(t, srv.URL, nil).Ping(context.Background()))
	assert.False(t, newTestClient(t, "", nil).Ping(context.Background()))
}

func TestSyntheticRecordsAreDeterministic(t *testing.T) {
	a := SyntheticRecords("autogen")
	b := SyntheticRecords("autogen")
	assert.Equal(t, a, b)
	for _, r := range a {
		assert.True(t, strings.HasPrefix(r.ID, "synthetic-autogen-"))
	}
}
