package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/datalayer"
)

func newTestServer(t *testing.T, token string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	data := datalayer.New(datalayer.Config{DataDir: t.TempDir()}, datalayer.WithLogger(logger))
	t.Cleanup(func() { _ = data.Close() })
	return New(Config{AuthToken: token, Logger: logger}, data).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

func TestHealthAndStats(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[datalayer.Health](t, rec)
	assert.True(t, health.LocalStore)
	assert.False(t, health.RemoteCatalog)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"maxSize"`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	h := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestCacheRoutes(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodGet, "/cache/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/cache/greeting", `{"kind":"raw","data":{"hello":"world"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/cache/greeting", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kind":"raw","data":{"hello":"world"}}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/cache/bad", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/cache/greeting", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/cache/greeting", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/cache/greeting", "").Code)
}

func TestFrameworkRoutes(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodGet, "/frameworks/crewai?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[frameworksResponse](t, rec)
	assert.Equal(t, catalogcache.SourceSynthetic, resp.Source)
	assert.Len(t, resp.Records, 2)
	assert.Len(t, resp.StaleIDs, 2)

	rec = do(t, h, http.MethodGet, "/frameworks/crewai?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/frameworks", `[{"id":"r1","framework":"langgraph","content":"graphs","stars":4}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"remote":0,"mirrored":1,"source":"cache"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/frameworks/langgraph", "")
	resp = decode[frameworksResponse](t, rec)
	assert.Equal(t, catalogcache.SourceCache, resp.Source)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "graphs", resp.Records[0].Content)

	rec = do(t, h, http.MethodPost, "/frameworks", `[{"id":"r2"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRoutes(t *testing.T) {
	h := newTestServer(t, "")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/search", "").Code)

	do(t, h, http.MethodPost, "/frameworks", `[{"id":"r1","framework":"crewai","content":"Shared memory","stars":4}]`)
	rec := do(t, h, http.MethodGet, "/search?q=memory&framework=crewai", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[datalayer.SearchResults](t, rec)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "r1", res.Hits[0].ID)

	rec = do(t, h, http.MethodGet, "/queries?framework=crewai", "")
	require.Equal(t, http.StatusOK, rec.Code)
	queries := decode[[]catalogcache.QueryRecord](t, rec)
	require.Len(t, queries, 1)
	assert.Equal(t, "memory", queries[0].Query)
}

func TestEmbeddingRoutes(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodPost, "/embed", `{"text":"hello world"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	embed := decode[struct {
		Embedding []float32           `json:"embedding"`
		Source    catalogcache.Source `json:"source"`
	}](t, rec)
	assert.Equal(t, catalogcache.SourceSynthetic, embed.Source)
	assert.Len(t, embed.Embedding, 384)

	rec = do(t, h, http.MethodPost, "/embeddings", `[{"id":"v1","framework":"crewai","content_id":"c1","embedding":[0.1,0.2]}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stored":1,"ids":["v1"],"source":"cache"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/embeddings", `[{"framework":"crewai","content_id":"c1","embedding":[0.1]}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[struct {
		IDs []string `json:"ids"`
	}](t, rec)
	require.Len(t, stored.IDs, 1)
	assert.Len(t, stored.IDs[0], 32)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/embeddings/search", "").Code)
	rec = do(t, h, http.MethodGet, "/embeddings/search?q=hello", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[],"source":"none"}`, rec.Body.String())
}

func TestSecretRoutes(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodGet, "/secrets/github", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/secrets/github", `{}`).Code)
	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodPut, "/secrets/github", `{"key":"ghp_abc"}`).Code)

	rec = do(t, h, http.MethodGet, "/secrets/github", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"service":"github","key":"ghp_abc"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/secrets", "")
	assert.JSONEq(t, `{"services":["github"]}`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/secrets/github", "").Code)
	rec = do(t, h, http.MethodGet, "/secrets", "")
	assert.JSONEq(t, `{"services":[]}`, rec.Body.String())
}

func TestSanitizeRoute(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodPost, "/sanitize", `{"code":"password = \"hunter22\""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]string](t, rec)
	assert.NotContains(t, out["code"], "hunter22")
	assert.Contains(t, out["code"], "password")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/sanitize", "").Code)
}

func TestAuthOnFullHandler(t *testing.T) {
	h := newTestServer(t, "s3cret")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/secrets", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/secrets", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexRoute(t *testing.T) {
	h := newTestServer(t, "")

	body := `{"records":[{"id":"r1","framework":"crewai","content":"abcdefghij"}],"chunkSize":4,"chunkOverlap":1}`
	rec := do(t, h, http.MethodPost, "/frameworks/index", body)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[datalayer.IndexResult](t, rec)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.Fallback)
	assert.Equal(t, catalogcache.SourceCache, res.Source)

	rec = do(t, h, http.MethodPost, "/frameworks/index", `{"records":[],"chunkSize":4,"chunkOverlap":4}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/frameworks/index", `{"records":[{"id":"r3","framework":"crewai","content":"abcdefghij"}],"chunkSize":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decode[datalayer.IndexResult](t, rec).Chunks)

	rec = do(t, h, http.MethodPost, "/frameworks/index", `{"records":[{"id":"r2"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckArchiveRoute(t *testing.T) {
	h := newTestServer(t, "")

	rec := do(t, h, http.MethodPost, "/archives/check", "PK\x03\x04rest-of-zip")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true}`, rec.Body.String())

	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/archives/check", "%PDF-1.7").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(t, h, http.MethodPost, "/archives/check", "PK").Code)
}
