package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/cache"
	"github.com/wolfeidau/catalog-cache/fallback"
)

// FetchByFramework returns up to limit records for a framework, most starred
// first, along with the tier that served them. It never fails: a tier that
// errors or has no rows hands over to the next, ending with synthetic
// placeholders.
func (c *Client) FetchByFramework(ctx context.Context, tag string, limit int) ([]catalogcache.FrameworkRecord, catalogcache.Source) {
	records, src, _ := fallback.FirstSuccess(ctx, c.logger, "fetch_by_framework",
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceRemote,
			Run: func(ctx context.Context) ([]catalogcache.FrameworkRecord, error) {
				if !c.Configured() {
					return nil, fallback.ErrSkip
				}
				return nonEmpty(c.remoteFetch(ctx, tag, limit))
			},
		},
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceCache,
			Run: func(ctx context.Context) ([]catalogcache.FrameworkRecord, error) {
				return nonEmpty(limitRecords(c.mirrored(ctx, tag), limit), nil)
			},
		},
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceSynthetic,
			Run: func(context.Context) ([]catalogcache.FrameworkRecord, error) {
				return limitRecords(SyntheticRecords(tag), limit), nil
			},
		},
	)
	return records, src
}

// Search matches query against record content, optionally within one
// framework, most starred first and capped at the configured limit.
func (c *Client) Search(ctx context.Context, query, tag string) ([]catalogcache.FrameworkRecord, catalogcache.Source) {
	records, src, _ := fallback.FirstSuccess(ctx, c.logger, "search",
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceRemote,
			Run: func(ctx context.Context) ([]catalogcache.FrameworkRecord, error) {
				if !c.Configured() {
					return nil, fallback.ErrSkip
				}
				return nonEmpty(c.remoteSearch(ctx, query, tag))
			},
		},
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceCache,
			Run: func(ctx context.Context) ([]catalogcache.FrameworkRecord, error) {
				return nonEmpty(limitRecords(matching(c.mirrored(ctx, tag), query), c.cfg.SearchLimit), nil)
			},
		},
		fallback.Attempt[[]catalogcache.FrameworkRecord]{
			Source: catalogcache.SourceSynthetic,
			Run: func(context.Context) ([]catalogcache.FrameworkRecord, error) {
				if tag == "" {
					return nil, fallback.ErrSkip
				}
				return nonEmpty(matching(SyntheticRecords(tag), query), nil)
			},
		},
	)
	if records == nil {
		records = []catalogcache.FrameworkRecord{}
	}
	return records, src
}

// UpsertResult reports where upserted records ended up.
type UpsertResult struct {
	Remote   int `json:"remote"`
	Mirrored int `json:"mirrored"`
}

// Source reports the tier that took the write.
func (r UpsertResult) Source() catalogcache.Source {
	if r.Mirrored > 0 {
		return catalogcache.SourceCache
	}
	return catalogcache.SourceRemote
}

// UpsertBatch uploads records in batches. Each batch the remote table does
// not accept is mirrored into the cache instead. An error is returned only
// when a record could be stored nowhere.
func (c *Client) UpsertBatch(ctx context.Context, records []catalogcache.FrameworkRecord) (UpsertResult, error) {
	var result UpsertResult
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return result, err
		}
	}

	for start := 0; start < len(records); start += c.cfg.BatchSize {
		batch := records[start:min(start+c.cfg.BatchSize, len(records))]

		err := c.upsertRemote(ctx, batch)
		if err == nil {
			result.Remote += len(batch)
			continue
		}
		c.logger.Warn("remote upsert failed, mirroring to cache", "batch_start", start, "records", len(batch), "error", err)

		mirrored, merr := c.mirror(ctx, batch)
		result.Mirrored += mirrored
		if merr != nil {
			return result, fmt.Errorf("storing records: %w", merr)
		}
	}

	c.logger.Debug("upsert complete", "remote", result.Remote, "mirrored", result.Mirrored, "source", result.Source())
	return result, nil
}

// mirror writes records into the cache under framework_{tag}_{id}.
func (c *Client) mirror(ctx context.Context, records []catalogcache.FrameworkRecord) (int, error) {
	if c.cache == nil {
		return 0, fmt.Errorf("%w: no cache configured", ErrRemoteUnavailable)
	}
	now := c.now().UTC()
	var n int
	for _, r := range records {
		if r.LastUpdated.IsZero() {
			r.LastUpdated = now
		}
		if err := cache.Put(ctx, c.cache, catalogcache.FrameworkCacheKey(r.Framework, r.ID), cache.KindFramework, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// mirrored loads the cached copies of a framework's records, most starred
// first. An empty tag loads every framework.
func (c *Client) mirrored(ctx context.Context, tag string) []catalogcache.FrameworkRecord {
	if c.cache == nil {
		return nil
	}
	prefix := catalogcache.FrameworkCachePrefix(tag)
	if tag == "" {
		prefix = catalogcache.FrameworkKeyPrefix
	}
	items := c.cache.EntriesWithPrefix(ctx, prefix)
	records := make([]catalogcache.FrameworkRecord, 0, len(items))
	for _, it := range items {
		if it.Value.Kind != cache.KindFramework {
			continue
		}
		var r catalogcache.FrameworkRecord
		if err := it.Value.Decode(&r); err != nil {
			continue
		}
		// framework_{tag}_ also prefixes the keys of {tag}_suffix frameworks
		if tag != "" && r.Framework != tag {
			continue
		}
		records = append(records, r)
	}
	sortByStars(records)
	return records
}

func sortByStars(records []catalogcache.FrameworkRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Stars > records[j].Stars
	})
}

func matching(records []catalogcache.FrameworkRecord, query string) []catalogcache.FrameworkRecord {
	q := strings.ToLower(query)
	var out []catalogcache.FrameworkRecord
	for _, r := range records {
		if strings.Contains(strings.ToLower(r.Content), q) {
			out = append(out, r)
		}
	}
	return out
}

func limitRecords(records []catalogcache.FrameworkRecord, limit int) []catalogcache.FrameworkRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// nonEmpty turns an empty answer into ErrSkip so the next tier runs.
func nonEmpty(records []catalogcache.FrameworkRecord, err error) ([]catalogcache.FrameworkRecord, error) {
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fallback.ErrSkip
	}
	return records, nil
}

// syntheticUpdated is fixed so placeholders are identical across calls.
var syntheticUpdated = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// SyntheticRecords returns deterministic placeholder records for a framework.
func SyntheticRecords(tag string) []catalogcache.FrameworkRecord {
	kinds := []struct {
		contentType catalogcache.ContentType
		stars       int
		content     string
	}{
		{catalogcache.ContentRepo, 1000, "Example %s agent repository with a starter crew, tools and tasks."},
		{catalogcache.ContentDocumentation, 500, "Getting started with %s: installation, configuration and a first agent."},
		{catalogcache.ContentExample, 100, "A minimal %s example wiring two agents to a shared tool."},
	}

	records := make([]catalogcache.FrameworkRecord, 0, len(kinds))
	for i, k := range kinds {
		records = append(records, catalogcache.FrameworkRecord{
			ID:          fmt.Sprintf("synthetic-%s-%d", tag, i+1),
			Framework:   tag,
			Content:     fmt.Sprintf(k.content, tag),
			URL:         fmt.Sprintf("https://github.com/example/%s-%s", tag, k.contentType),
			Stars:       k.stars,
			LastUpdated: syntheticUpdated,
			ContentType: k.contentType,
		})
	}
	return records
}
