package catalogcache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheKeys(t *testing.T) {
	require.Equal(t, "framework_crewai_abc", FrameworkCacheKey("crewai", "abc"))
	require.True(t, strings.HasPrefix(FrameworkCacheKey("crewai", "abc"), FrameworkCachePrefix("crewai")))
	require.Equal(t, "embedding_v1", EmbeddingCacheKey("v1"))
}

func TestFrameworkRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  FrameworkRecord
		wantErr bool
	}{
		{name: "valid", record: FrameworkRecord{ID: "1", Framework: "crewai", ContentType: ContentRepo}},
		{name: "empty content type allowed", record: FrameworkRecord{ID: "1", Framework: "crewai"}},
		{name: "missing id", record: FrameworkRecord{Framework: "crewai"}, wantErr: true},
		{name: "missing framework", record: FrameworkRecord{ID: "1"}, wantErr: true},
		{name: "bad content type", record: FrameworkRecord{ID: "1", Framework: "x", ContentType: "blog"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	require.True(t, IsStale(FrameworkRecord{}, now, DefaultStaleAfter))
	require.False(t, IsStale(FrameworkRecord{LastUpdated: now.Add(-24 * time.Hour)}, now, DefaultStaleAfter))
	require.True(t, IsStale(FrameworkRecord{LastUpdated: now.Add(-8 * 24 * time.Hour)}, now, DefaultStaleAfter))
}

func TestChunkContent(t *testing.T) {
	r := FrameworkRecord{ID: "rec", Framework: "langgraph", Content: strings.Repeat("a", 25)}

	chunks, err := ChunkContent(r, 10, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, 10, len(chunks[0].Text))
	require.Equal(t, 9, len(chunks[2].Text))
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
		require.Equal(t, "rec", c.ContentID)
		require.Equal(t, "langgraph", c.Framework)
	}

	again, err := ChunkContent(r, 10, 2)
	require.NoError(t, err)
	require.Equal(t, chunks[1].ID, again[1].ID)
	require.NotEqual(t, chunks[0].ID, chunks[1].ID)

	vr := chunks[0].ToVectorRecord([]float32{1, 0})
	require.Equal(t, "rec", vr.ContentID)
	require.Equal(t, 0, vr.Metadata["chunk_index"])
}

func TestChunkContentMultibyte(t *testing.T) {
	r := FrameworkRecord{ID: "r", Framework: "f", Content: "héllo wörld ✓"}
	chunks, err := ChunkContent(r, 5, 0)
	require.NoError(t, err)

	var rebuilt strings.Builder
	for _, c := range chunks {
		rebuilt.WriteString(c.Text)
	}
	require.Equal(t, r.Content, rebuilt.String())
}

func TestChunkContentInvalidArgs(t *testing.T) {
	r := FrameworkRecord{ID: "r", Content: "x"}
	_, err := ChunkContent(r, 0, 0)
	require.Error(t, err)
	_, err = ChunkContent(r, 5, 5)
	require.Error(t, err)

	chunks, err := ChunkContent(FrameworkRecord{ID: "empty"}, 5, 1)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
