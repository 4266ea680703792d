// Package fallback evaluates ordered chains of attempts, returning the first
// one that produces an answer.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	catalogcache "github.com/wolfeidau/catalog-cache"
	"github.com/wolfeidau/catalog-cache/telemetry"
)

// ErrSkip is returned by an attempt that has nothing to offer, such as a
// remote tier with no credentials or a cache tier with no copies.
var ErrSkip = errors.New("skipped")

// Attempt is one tier of a chain.
type Attempt[T any] struct {
	Source catalogcache.Source
	Run    func(ctx context.Context) (T, error)
}

// FirstSuccess runs attempts in order and returns the first result without an
// error, along with the tier that produced it. A panicking attempt counts as
// a failure. When every attempt fails the errors are joined and the source is
// SourceNone.
func FirstSuccess[T any](ctx context.Context, logger *slog.Logger, op string, attempts ...Attempt[T]) (T, catalogcache.Source, error) {
	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		out, err := run(ctx, a)
		if err == nil {
			telemetry.RecordFallback(ctx, op, string(a.Source))
			if len(errs) > 0 {
				logger.Info("served from fallback tier", "op", op, "source", a.Source, "skipped", len(errs))
			}
			return out, a.Source, nil
		}

		if errors.Is(err, ErrSkip) {
			logger.Debug("fallback tier skipped", "op", op, "source", a.Source, "reason", err)
		} else {
			logger.Warn("fallback tier failed", "op", op, "source", a.Source, "error", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Source, err))
	}

	var zero T
	telemetry.RecordFallback(ctx, op, string(catalogcache.SourceNone))
	return zero, catalogcache.SourceNone, errors.Join(errs...)
}

func run[T any](ctx context.Context, a Attempt[T]) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Run(ctx)
}
