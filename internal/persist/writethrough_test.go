package persist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlecache/bundlecache/internal/cache"
	cerrors "github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

func TestNewTiersRequireStrategy(t *testing.T) {
	_, err := NewWriteThroughTier(nil, nil)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeMissingConfig))
	_, err = NewBackgroundTier(nil, nil)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeMissingConfig))
	_, err = NewIdleTier(nil, nil)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeMissingConfig))
}

func TestWriteThroughStoreIsSynchronous(t *testing.T) {
	ctx := context.Background()
	strategy := newMemStrategy()
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)

	require.NoError(t, tier.Store(ctx, "a", "v1", []byte("x")))
	assert.True(t, strategy.has("a"))

	strategy.failStore["b"] = true
	err = tier.Store(ctx, "b", "v1", []byte("x"))
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeStoreFailed))
	assert.ErrorIs(t, err, errInjected)
}

func TestWriteThroughGet(t *testing.T) {
	ctx := context.Background()
	strategy := newMemStrategy()
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)
	require.NoError(t, tier.Store(ctx, "a", "v1", []byte("stored")))

	result, err := tier.Get(ctx, cache.NewLookup("a", "v1"))
	require.NoError(t, err)
	assert.Equal(t, cache.Present([]byte("stored")), result)

	// a fingerprint mismatch is a miss for disk tiers
	lookup := cache.NewLookup("a", "v2")
	result, err = tier.Get(ctx, lookup)
	require.NoError(t, err)
	assert.Equal(t, cache.ResultUnresolved, result.State)
	assert.Equal(t, 1, lookup.Pending())

	lookup.Resolve(ctx, []byte("rebuilt"), true)
	// the completion has returned, so the write has settled
	result, err = tier.Get(ctx, cache.NewLookup("a", "v2"))
	require.NoError(t, err)
	assert.Equal(t, cache.Present([]byte("rebuilt")), result)
}

func TestWriteThroughAbsentResultIsNotStored(t *testing.T) {
	ctx := context.Background()
	strategy := newMemStrategy()
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)

	lookup := cache.NewLookup("a", "v1")
	_, err = tier.Get(ctx, lookup)
	require.NoError(t, err)
	lookup.Resolve(ctx, nil, false)
	assert.Equal(t, 0, strategy.storeCount())
}

func TestWriteThroughCompletionFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	strategy := newMemStrategy()
	strategy.failStore["a"] = true
	logger, rec := utils.NewRecordingLogger(utils.INFO)
	tier, err := NewWriteThroughTier(strategy, &Config{Logger: logger})
	require.NoError(t, err)

	lookup := cache.NewLookup("a", "v1")
	_, err = tier.Get(ctx, lookup)
	require.NoError(t, err)
	lookup.Resolve(ctx, []byte("x"), true)

	assert.True(t, rec.Contains(utils.WARN, "persisting computed entry failed"))
}

func TestWriteThroughRestoreError(t *testing.T) {
	strategy := newMemStrategy()
	strategy.failRestore = true
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)

	_, err = tier.Get(context.Background(), cache.NewLookup("a", "v1"))
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeRestoreFailed))
}

func TestWriteThroughCheckpoints(t *testing.T) {
	ctx := context.Background()
	strategy := newMemStrategy()
	observer := &recordingObserver{}
	tier, err := NewWriteThroughTier(strategy, &Config{Observer: observer})
	require.NoError(t, err)

	tier.BeginIdle(ctx)
	tier.BeginIdle(ctx)
	tier.EndIdle(ctx)
	require.NoError(t, tier.Shutdown(ctx))

	// shutdown's checkpoint is chained behind both idle checkpoints
	assert.Equal(t, 3, strategy.checkpointCount())
	assert.Equal(t, 1, strategy.cleared)
	assert.Equal(t, 3, observer.flushes)
}

func TestWriteThroughShutdownPropagatesFailure(t *testing.T) {
	strategy := newMemStrategy()
	strategy.failFlush = true
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)

	err = tier.Shutdown(context.Background())
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeStoreFailed))
	assert.ErrorIs(t, err, errInjected)
}

func TestWriteThroughBuildDependencies(t *testing.T) {
	strategy := newMemStrategy()
	tier, err := NewWriteThroughTier(strategy, nil)
	require.NoError(t, err)

	require.NoError(t, tier.StoreBuildDependencies(context.Background(), []string{"webpack.config.js"}))
	assert.Equal(t, []string{"webpack.config.js"}, strategy.deps)
	assert.Same(t, strategy, tier.Strategy())
}
