package fallback

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	catalogcache "github.com/wolfeidau/catalog-cache"
)

func attempt(src catalogcache.Source, out string, err error, calls *[]catalogcache.Source) Attempt[string] {
	return Attempt[string]{
		Source: src,
		Run: func(context.Context) (string, error) {
			*calls = append(*calls, src)
			return out, err
		},
	}
}

func TestFirstSuccess(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	boom := errors.New("boom")

	t.Run("first tier wins and later tiers do not run", func(t *testing.T) {
		var calls []catalogcache.Source
		out, src, err := FirstSuccess(ctx, logger, "op",
			attempt(catalogcache.SourceRemote, "remote", nil, &calls),
			attempt(catalogcache.SourceCache, "cache", nil, &calls),
		)
		require.NoError(t, err)
		require.Equal(t, "remote", out)
		require.Equal(t, catalogcache.SourceRemote, src)
		require.Equal(t, []catalogcache.Source{catalogcache.SourceRemote}, calls)
	})

	t.Run("falls through failures and skips in order", func(t *testing.T) {
		var calls []catalogcache.Source
		out, src, err := FirstSuccess(ctx, logger, "op",
			attempt(catalogcache.SourceRemote, "", boom, &calls),
			attempt(catalogcache.SourceCache, "", ErrSkip, &calls),
			attempt(catalogcache.SourceSynthetic, "synthetic", nil, &calls),
		)
		require.NoError(t, err)
		require.Equal(t, "synthetic", out)
		require.Equal(t, catalogcache.SourceSynthetic, src)
		require.Equal(t, []catalogcache.Source{
			catalogcache.SourceRemote, catalogcache.SourceCache, catalogcache.SourceSynthetic,
		}, calls)
	})

	t.Run("all failing joins errors", func(t *testing.T) {
		var calls []catalogcache.Source
		_, src, err := FirstSuccess(ctx, logger, "op",
			attempt(catalogcache.SourceRemote, "", boom, &calls),
			attempt(catalogcache.SourceCache, "", ErrSkip, &calls),
		)
		require.Equal(t, catalogcache.SourceNone, src)
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, ErrSkip)
	})

	t.Run("panic is contained", func(t *testing.T) {
		out, src, err := FirstSuccess(ctx, logger, "op",
			Attempt[string]{Source: catalogcache.SourceRemote, Run: func(context.Context) (string, error) {
				panic("bad tier")
			}},
			Attempt[string]{Source: catalogcache.SourceCache, Run: func(context.Context) (string, error) {
				return "cache", nil
			}},
		)
		require.NoError(t, err)
		require.Equal(t, "cache", out)
		require.Equal(t, catalogcache.SourceCache, src)
	})

	t.Run("canceled context stops the chain", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var calls []catalogcache.Source
		_, src, err := FirstSuccess(cctx, logger, "op",
			attempt(catalogcache.SourceRemote, "remote", nil, &calls),
		)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, catalogcache.SourceNone, src)
		require.Empty(t, calls)
	})
}
