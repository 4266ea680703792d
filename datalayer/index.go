package datalayer

import (
	"context"
	"fmt"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"golang.org/x/sync/errgroup"
)

const embedConcurrency = 4

// IndexResult reports how a batch of records was turned into embeddings.
type IndexResult struct {
	Chunks int `json:"chunks"`
	// Fallback counts chunks whose embedding came from EmbedFallback.
	Fallback int                 `json:"fallback"`
	Source   catalogcache.Source `json:"source"`
}

// IndexFrameworkRecords chunks each record's content, embeds every chunk and
// stores the resulting vector records. Chunk ids are stable for unchanged
// content, so re-indexing replaces rather than duplicates. A size of zero or
// less means DefaultChunkSize and a negative overlap means
// DefaultChunkOverlap, clamped below size.
func (s *Service) IndexFrameworkRecords(ctx context.Context, records []catalogcache.FrameworkRecord, size, overlap int) (IndexResult, error) {
	if err := s.Init(ctx); err != nil {
		return IndexResult{Source: catalogcache.SourceNone}, err
	}
	if size <= 0 {
		size = catalogcache.DefaultChunkSize
	}
	if overlap < 0 {
		overlap = min(catalogcache.DefaultChunkOverlap, size-1)
	}

	var chunks []catalogcache.Chunk
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return IndexResult{Source: catalogcache.SourceNone}, fmt.Errorf("record %d: %w", i, err)
		}
		cs, err := catalogcache.ChunkContent(r, size, overlap)
		if err != nil {
			return IndexResult{Source: catalogcache.SourceNone}, err
		}
		chunks = append(chunks, cs...)
	}
	if len(chunks) == 0 {
		return IndexResult{Source: catalogcache.SourceNone}, nil
	}

	vecs := make([]catalogcache.VectorRecord, len(chunks))
	fallback := make([]bool, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, c := range chunks {
		g.Go(func() error {
			emb, src := s.vector.Embed(gctx, c.Text)
			vecs[i] = c.ToVectorRecord(emb)
			fallback[i] = src != catalogcache.SourceVector
			return nil
		})
	}
	_ = g.Wait()

	res := IndexResult{Chunks: len(chunks)}
	for _, f := range fallback {
		if f {
			res.Fallback++
		}
	}

	src, err := s.vector.StoreEmbeddings(ctx, vecs)
	res.Source = src
	if err != nil {
		return res, err
	}

	s.logger.Info("indexed framework records",
		"records", len(records), "chunks", res.Chunks, "fallback", res.Fallback, "source", src)
	return res, nil
}
