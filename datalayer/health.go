package datalayer

import (
	"context"
	"fmt"

	"github.com/wolfeidau/catalog-cache/cache"
	"golang.org/x/sync/errgroup"
)

// Health reports which collaborators are reachable.
type Health struct {
	RemoteCatalog bool        `json:"remoteCatalog"`
	LocalStore    bool        `json:"localStore"`
	VectorService bool        `json:"vectorService"`
	CacheStats    cache.Stats `json:"cacheStats"`
}

// HealthCheck checks every collaborator concurrently. Each check is isolated:
// an error or panic marks that collaborator unhealthy without affecting the
// others.
func (s *Service) HealthCheck(ctx context.Context) Health {
	var h Health
	if !s.ready(ctx, "health_check") {
		h.CacheStats = cache.Stats{MaxSize: s.config.Cache.MaxSize}
		return h
	}

	var g errgroup.Group
	g.Go(s.check(ctx, "remote_catalog", &h.RemoteCatalog, func(ctx context.Context) (bool, error) {
		return s.catalog.Ping(ctx), nil
	}))
	g.Go(s.check(ctx, "local_store", &h.LocalStore, func(context.Context) (bool, error) {
		_, err := s.db.SchemaVersion()
		return err == nil, err
	}))
	g.Go(s.check(ctx, "vector_service", &h.VectorService, func(ctx context.Context) (bool, error) {
		return s.vector.Health(ctx), nil
	}))
	g.Go(func() error {
		h.CacheStats = s.cache.Stats(ctx)
		return nil
	})
	_ = g.Wait()
	return h
}

// check wraps fn so that it never fails the group and writes its verdict to
// out.
func (s *Service) check(ctx context.Context, name string, out *bool, fn func(context.Context) (bool, error)) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			if err != nil {
				s.logger.Warn("health check failed", "check", name, "error", err)
				*out = false
			}
		}()
		ok, err := fn(ctx)
		*out = ok && err == nil
		return err
	}
}
