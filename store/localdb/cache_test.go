package localdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("put and get round trip", func(t *testing.T) {
		db := newTestDB(t)

		prior, err := db.PutEntry(ctx, entry("a", 10, now))
		require.NoError(t, err)
		assert.Nil(t, prior)

		got, err := db.GetEntry(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.Key)
		assert.Equal(t, int64(10), got.Size)
		assert.True(t, now.Equal(got.Timestamp))
		assert.JSONEq(t, `"v"`, string(got.Value))
	})

	t.Run("put returns replaced entry", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.PutEntry(ctx, entry("a", 10, now))
		require.NoError(t, err)
		prior, err := db.PutEntry(ctx, entry("a", 25, now))
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, int64(10), prior.Size)

		total, err := db.TotalEntrySize(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(25), total)
	})

	t.Run("missing key", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.GetEntry(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, db.DeleteEntry(ctx, "nope"))
	})

	t.Run("prefix scan", func(t *testing.T) {
		db := newTestDB(t)

		for _, k := range []string{"framework_crewai_1", "framework_crewai_2", "framework_crewaix_1", "framework_autogen_1", "embedding_1"} {
			_, err := db.PutEntry(ctx, entry(k, 1, now))
			require.NoError(t, err)
		}

		got, err := db.EntriesWithPrefix(ctx, "framework_crewai_")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "framework_crewai_1", got[0].Key)
		assert.Equal(t, "framework_crewai_2", got[1].Key)

		all, err := db.AllEntries(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		n, err := db.CountEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("bulk delete reports freed size", func(t *testing.T) {
		db := newTestDB(t)

		for k, size := range map[string]int64{"a": 100, "b": 200, "c": 300} {
			_, err := db.PutEntry(ctx, entry(k, size, now))
			require.NoError(t, err)
		}

		freed, err := db.DeleteEntries(ctx, []string{"a", "c", "missing"})
		require.NoError(t, err)
		assert.Equal(t, int64(400), freed)

		total, err := db.TotalEntrySize(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(200), total)
	})
}
