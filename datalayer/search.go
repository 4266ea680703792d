package datalayer

import (
	"context"
	"encoding/json"
	"sort"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/catalog"
	"github.com/wolfeidau/catalog-cache/vector"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchLimit caps the vector half of a combined search.
const DefaultSearchLimit = 20

// SearchHit is one merged search result. Record is set when the catalog
// returned the record itself; Score is the best score either side gave it.
type SearchHit struct {
	ID       string                        `json:"id"`
	Score    float64                       `json:"score"`
	Record   *catalogcache.FrameworkRecord `json:"record,omitempty"`
	Metadata map[string]any                `json:"metadata,omitempty"`
}

// SearchResults is the answer to a combined search.
type SearchResults struct {
	Hits          []SearchHit         `json:"hits"`
	CatalogSource catalogcache.Source `json:"catalogSource"`
	VectorSource  catalogcache.Source `json:"vectorSource"`
}

// SearchFrameworkData runs catalog text search and vector search at the same
// time and merges their results by record id, best score first. The query is
// added to the recent-query history along with the ids it found.
func (s *Service) SearchFrameworkData(ctx context.Context, query, tag string) SearchResults {
	if !s.ready(ctx, "search_framework_data") {
		return SearchResults{Hits: []SearchHit{}, CatalogSource: catalogcache.SourceNone, VectorSource: catalogcache.SourceNone}
	}

	var (
		records   []catalogcache.FrameworkRecord
		recordSrc catalogcache.Source
		scored    []vector.Result
		scoredSrc catalogcache.Source
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		records, recordSrc = s.catalog.Search(gctx, query, tag)
		return nil
	})
	g.Go(func() error {
		scored, scoredSrc = s.vector.SearchEmbeddings(gctx, query, tag, DefaultSearchLimit)
		return nil
	})
	_ = g.Wait()

	out := SearchResults{
		Hits:          mergeHits(records, scored),
		CatalogSource: recordSrc,
		VectorSource:  scoredSrc,
	}
	s.recordSearch(ctx, query, tag, out.Hits)
	return out
}

// mergeHits combines catalog records, which carry rank-derived scores, with
// vector results. A record found by both keeps the higher score.
func mergeHits(records []catalogcache.FrameworkRecord, scored []vector.Result) []SearchHit {
	byID := make(map[string]*SearchHit, len(records)+len(scored))
	order := make([]string, 0, len(records)+len(scored))

	add := func(id string) *SearchHit {
		if h, ok := byID[id]; ok {
			return h
		}
		h := &SearchHit{ID: id}
		byID[id] = h
		order = append(order, id)
		return h
	}

	for i, r := range records {
		h := add(r.ID)
		h.Record = &records[i]
		h.Score = max(h.Score, rankScore(i))
	}
	for _, r := range scored {
		h := add(r.ID)
		h.Score = max(h.Score, r.Score)
		if h.Metadata == nil {
			h.Metadata = r.Metadata
		}
	}

	hits := make([]SearchHit, 0, len(order))
	for _, id := range order {
		hits = append(hits, *byID[id])
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	return hits
}

func rankScore(i int) float64 {
	return max(1-float64(i)*0.1, 0)
}

func (s *Service) recordSearch(ctx context.Context, query, tag string, hits []SearchHit) {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	results, err := json.Marshal(ids)
	if err != nil {
		return
	}
	s.cache.RecordQuery(ctx, &catalogcache.QueryRecord{
		Query:     query,
		Framework: tag,
		Results:   results,
	})
}

var _ vector.TextSearcher = (*catalog.Client)(nil)
