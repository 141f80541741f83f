// Package parallel provides small join-all helpers for running
// independent work concurrently.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs fn for every item with at most limit concurrent workers
// and returns once all of them settled. Workers report nothing back and
// cannot fail each other: an item's failure must be recorded by fn
// itself, never propagated.
func ForEach[E any](ctx context.Context, limit int, items []E, fn func(context.Context, E)) {
	if len(items) == 0 {
		return
	}
	if limit <= 0 {
		limit = len(items)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			fn(gctx, item)
			return nil
		})
	}
	_ = g.Wait() // workers never return an error
}
