package persist

import (
	"context"
	"sync"

	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/pkg/types"
)

// BackgroundTier starts writes without waiting for them. Failed writes are
// logged and dropped; the next checkpoint waits for every write started
// before it.
type BackgroundTier struct {
	base

	mu      sync.Mutex
	pending []*cache.Future
	storing *cache.Future
}

// NewBackgroundTier wraps strategy in a background tier
func NewBackgroundTier(strategy types.Strategy, config *Config) (*BackgroundTier, error) {
	b, err := newBase("background", strategy, config)
	if err != nil {
		return nil, err
	}
	return &BackgroundTier{base: b}, nil
}

// Get implements cache.Tier
func (b *BackgroundTier) Get(ctx context.Context, lookup *cache.Lookup) (cache.Result, error) {
	payload, found, err := b.restore(ctx, lookup)
	if err != nil {
		return cache.Unresolved(), err
	}
	if found {
		return cache.Present(payload), nil
	}

	lookup.OnResult(ctx, func(ctx context.Context, payload []byte, found bool) {
		if found {
			b.track(ctx, func(bg context.Context) error {
				return b.write(bg, lookup.Identifier, lookup.Etag, payload)
			})
		}
	})
	return cache.Unresolved(), nil
}

// Store implements cache.Tier. It returns as soon as the write has started.
func (b *BackgroundTier) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	b.track(ctx, func(bg context.Context) error {
		return b.write(bg, identifier, etag, payload)
	})
	return nil
}

// StoreBuildDependencies implements cache.BuildDependencyStorer
func (b *BackgroundTier) StoreBuildDependencies(ctx context.Context, deps []string) error {
	b.track(ctx, func(bg context.Context) error {
		return b.writeBuildDependencies(bg, deps)
	})
	return nil
}

// track starts op in the background and adds it to the pending set.
func (b *BackgroundTier) track(ctx context.Context, op func(context.Context) error) {
	bg := context.WithoutCancel(ctx)
	f := cache.Async(func() error {
		err := op(bg)
		if err != nil {
			b.warn("background store failed", err)
		}
		return err
	})

	b.mu.Lock()
	b.pending = append(b.pending, f)
	n := len(b.pending)
	b.mu.Unlock()
	b.reportPending(n)
}

// checkpoint waits for every write started so far, then runs the strategy
// checkpoint. Checkpoints are serialized.
func (b *BackgroundTier) checkpoint(ctx context.Context) *cache.Future {
	bg := context.WithoutCancel(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.storing = b.storing.Then(func(error) error {
		b.mu.Lock()
		writes := b.pending
		b.pending = nil
		b.mu.Unlock()
		b.reportPending(0)

		// write failures were already logged
		_ = cache.All(writes...).Wait(bg)
		return b.afterAllStored(bg, len(writes))
	})
	return b.storing
}

// BeginIdle implements cache.IdleAware
func (b *BackgroundTier) BeginIdle(ctx context.Context) {
	b.checkpoint(ctx).Then(func(err error) error {
		if err != nil {
			b.warn("idle checkpoint failed", err)
		}
		return nil
	})
}

// EndIdle implements cache.IdleAware
func (b *BackgroundTier) EndIdle(context.Context) {}

// Shutdown waits for all writes and a final checkpoint.
func (b *BackgroundTier) Shutdown(ctx context.Context) error {
	err := b.checkpoint(ctx).Wait(ctx)
	b.reset()
	return err
}

// Pending returns the number of writes started since the last checkpoint
func (b *BackgroundTier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
