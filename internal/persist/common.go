package persist

import (
	"context"
	stderr "errors"
	"time"

	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

// Observer receives persistence events, typically a metrics collector.
type Observer interface {
	// ObserveWrite is called once per strategy write with its outcome.
	ObserveWrite(tier string, err error)
	// ObserveFlush is called when a batch of writes or a checkpoint settles.
	ObserveFlush(tier string, tasks int, duration time.Duration, err error)
	// ObservePending reports the number of writes not yet settled.
	ObservePending(tier string, pending int)
}

// Config holds the settings shared by every persistence tier
type Config struct {
	// Name labels log lines and metrics. Defaults to the tier kind.
	Name     string
	Logger   *utils.StructuredLogger
	Observer Observer
}

// base carries the strategy and ambient dependencies of a persistence tier.
type base struct {
	name     string
	strategy types.Strategy
	logger   *utils.StructuredLogger
	observer Observer
}

func newBase(kind string, strategy types.Strategy, config *Config) (base, error) {
	if strategy == nil {
		return base{}, errors.NewError(errors.ErrCodeMissingConfig, "persistence strategy is required").
			WithComponent(kind)
	}
	if config == nil {
		config = &Config{}
	}
	name := config.Name
	if name == "" {
		name = kind
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return base{
		name:     name,
		strategy: strategy,
		logger:   logger.WithComponent(name),
		observer: config.Observer,
	}, nil
}

// Strategy implements cache.Persister
func (b *base) Strategy() types.Strategy {
	return b.strategy
}

// restore asks the strategy for the entry a lookup wants.
func (b *base) restore(ctx context.Context, lookup *cache.Lookup) ([]byte, bool, error) {
	payload, found, err := b.strategy.Restore(ctx, lookup.Identifier, lookup.Etag)
	if err != nil {
		return nil, false, errors.NewError(errors.ErrCodeRestoreFailed, "restore failed").
			WithComponent(b.name).
			WithOperation("restore").
			WithIdentifier(lookup.Identifier).
			WithCause(err)
	}
	return payload, found, nil
}

// write stores one entry through the strategy and reports the outcome.
func (b *base) write(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	err := b.strategy.Store(ctx, identifier, etag, payload)
	if b.observer != nil {
		b.observer.ObserveWrite(b.name, err)
	}
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreFailed, "store failed").
			WithComponent(b.name).
			WithOperation("store").
			WithIdentifier(identifier).
			WithCause(err)
	}
	return nil
}

// writeBuildDependencies forwards deps when the strategy records them.
func (b *base) writeBuildDependencies(ctx context.Context, deps []string) error {
	s, ok := b.strategy.(types.BuildDependencyStorer)
	if !ok {
		return nil
	}
	if err := s.StoreBuildDependencies(ctx, deps); err != nil {
		return errors.NewError(errors.ErrCodeStoreFailed, "storing build dependencies failed").
			WithComponent(b.name).
			WithOperation("store_build_dependencies").
			WithCause(err)
	}
	return nil
}

// afterAllStored runs the strategy checkpoint and reports it as a flush.
func (b *base) afterAllStored(ctx context.Context, tasks int) error {
	start := time.Now()
	err := b.strategy.AfterAllStored(ctx)
	if b.observer != nil {
		b.observer.ObserveFlush(b.name, tasks, time.Since(start), err)
	}
	if err != nil {
		return errors.NewError(errors.ErrCodeStoreFailed, "checkpoint failed").
			WithComponent(b.name).
			WithOperation("after_all_stored").
			WithCause(err)
	}
	return nil
}

// reset clears strategy indexes on shutdown.
func (b *base) reset() {
	if r, ok := b.strategy.(types.Resetter); ok {
		r.Clear()
	}
}

func (b *base) warn(msg string, err error) {
	b.logger.Warn(msg, map[string]interface{}{"error": err.Error()})
	b.logger.Debug("failure details", map[string]interface{}{"error": describe(err)})
}

func (b *base) reportPending(n int) {
	if b.observer != nil {
		b.observer.ObservePending(b.name, n)
	}
}

func describe(err error) string {
	var cacheErr *errors.BundleCacheError
	if stderr.As(err, &cacheErr) {
		return cacheErr.String()
	}
	return err.Error()
}
