package persist

import (
	"context"
	"sync"

	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/pkg/types"
)

// WriteThroughTier persists every store before returning. Builds are slower
// but nothing reported as cached can be lost.
type WriteThroughTier struct {
	base

	mu      sync.Mutex
	storing *cache.Future
}

// NewWriteThroughTier wraps strategy in a write-through tier
func NewWriteThroughTier(strategy types.Strategy, config *Config) (*WriteThroughTier, error) {
	b, err := newBase("write-through", strategy, config)
	if err != nil {
		return nil, err
	}
	return &WriteThroughTier{base: b}, nil
}

// Get implements cache.Tier. On a miss the registered completion persists
// the final value and returns only once that write has settled.
func (w *WriteThroughTier) Get(ctx context.Context, lookup *cache.Lookup) (cache.Result, error) {
	payload, found, err := w.restore(ctx, lookup)
	if err != nil {
		return cache.Unresolved(), err
	}
	if found {
		return cache.Present(payload), nil
	}

	lookup.OnResult(ctx, func(ctx context.Context, payload []byte, found bool) {
		if !found {
			return
		}
		if err := w.write(ctx, lookup.Identifier, lookup.Etag, payload); err != nil {
			w.warn("persisting computed entry failed", err)
		}
	})
	return cache.Unresolved(), nil
}

// Store implements cache.Tier
func (w *WriteThroughTier) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	return w.write(ctx, identifier, etag, payload)
}

// StoreBuildDependencies implements cache.BuildDependencyStorer
func (w *WriteThroughTier) StoreBuildDependencies(ctx context.Context, deps []string) error {
	return w.writeBuildDependencies(ctx, deps)
}

// checkpoint chains a strategy checkpoint behind any checkpoint in flight.
func (w *WriteThroughTier) checkpoint(ctx context.Context) *cache.Future {
	bg := context.WithoutCancel(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.storing = w.storing.Then(func(error) error {
		return w.afterAllStored(bg, 0)
	})
	return w.storing
}

// BeginIdle implements cache.IdleAware. The checkpoint runs in the
// background; a failure is logged.
func (w *WriteThroughTier) BeginIdle(ctx context.Context) {
	w.checkpoint(ctx).Then(func(err error) error {
		if err != nil {
			w.warn("idle checkpoint failed", err)
		}
		return nil
	})
}

// EndIdle implements cache.IdleAware
func (w *WriteThroughTier) EndIdle(context.Context) {}

// Shutdown waits for a final checkpoint and returns its error.
func (w *WriteThroughTier) Shutdown(ctx context.Context) error {
	err := w.checkpoint(ctx).Wait(ctx)
	w.reset()
	return err
}
