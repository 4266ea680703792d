package datalayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/vector"
)

func TestIndexFrameworkRecords(t *testing.T) {
	var (
		mu     sync.Mutex
		stored []catalogcache.VectorRecord
	)
	vec := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			_, _ = w.Write([]byte(`{"embedding":[1,0,0]}`))
		case "/store":
			var body struct {
				Embeddings []catalogcache.VectorRecord `json:"embeddings"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			stored = append(stored, body.Embeddings...)
			mu.Unlock()
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(vec.Close)

	s := newTestService(t, Config{Vector: vector.Config{BaseURL: vec.URL, Dimensions: 3}})
	records := []catalogcache.FrameworkRecord{
		{ID: "r1", Framework: "crewai", Content: "abcdefghij"},
		{ID: "r2", Framework: "crewai", Content: "xyz"},
	}

	res, err := s.IndexFrameworkRecords(context.Background(), records, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{Chunks: 4, Fallback: 0, Source: catalogcache.SourceVector}, res)

	require.Len(t, stored, 4)
	assert.Equal(t, "r1", stored[0].ContentID)
	assert.Equal(t, "abcd", stored[0].Metadata["text"])
	assert.Equal(t, "r2", stored[3].ContentID)
	assert.Equal(t, []float32{1, 0, 0}, stored[3].Embedding)

	again, err := s.IndexFrameworkRecords(context.Background(), records, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, stored[0].ID, stored[4].ID)
}

func TestIndexFrameworkRecordsOffline(t *testing.T) {
	s := newTestService(t, Config{})

	res, err := s.IndexFrameworkRecords(context.Background(),
		[]catalogcache.FrameworkRecord{{ID: "r1", Framework: "crewai", Content: "short"}}, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, IndexResult{Chunks: 1, Fallback: 1, Source: catalogcache.SourceCache}, res)

	v, ok := s.CacheGet(context.Background(), catalogcache.EmbeddingCacheKey(firstChunkID(t, "r1", "short")))
	assert.True(t, ok)
	assert.Equal(t, cache.KindEmbedding, v.Kind)

	results, src := s.SearchVectorEmbeddings(context.Background(), "short", "crewai", 5)
	assert.Equal(t, catalogcache.SourceCache, src)
	require.Len(t, results, 1)
	assert.Equal(t, "r1", results[0].Metadata["content_id"])
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)

	res, err = s.IndexFrameworkRecords(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)

	_, err = s.IndexFrameworkRecords(context.Background(), []catalogcache.FrameworkRecord{{ID: "bad"}}, 0, 0)
	assert.Error(t, err)
}

func TestIndexFrameworkRecordsDefaultOverlapFitsSmallChunks(t *testing.T) {
	s := newTestService(t, Config{})

	res, err := s.IndexFrameworkRecords(context.Background(),
		[]catalogcache.FrameworkRecord{{ID: "r1", Framework: "crewai", Content: "abcdefghij"}}, 4, -1)
	require.NoError(t, err)
	// overlap 3 on a size of 4 advances one rune per chunk
	assert.Equal(t, 7, res.Chunks)
}

func firstChunkID(t *testing.T, id, content string) string {
	t.Helper()
	chunks, err := catalogcache.ChunkContent(catalogcache.FrameworkRecord{ID: id, Framework: "crewai", Content: content},
		catalogcache.DefaultChunkSize, catalogcache.DefaultChunkOverlap)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	return chunks[0].ID
}
