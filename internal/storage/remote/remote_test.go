package remote

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundlecache/bundlecache/internal/circuit"
	cerrors "github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func noRetry() *retry.Config {
	config := retry.DefaultConfig()
	config.MaxAttempts = 1
	return &config
}

func TestStoreRestore(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := New(client, &Config{Prefix: "build"})

	require.NoError(t, s.Store(ctx, "./src/a.js", "v1", []byte("compiled")))
	assert.True(t, mr.Exists("build:./src/a.js"))

	got, found, err := s.Restore(ctx, "./src/a.js", "v1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("compiled"), got)

	_, found, err = s.Restore(ctx, "./src/a.js", "v2")
	require.NoError(t, err)
	assert.False(t, found, "etag mismatch must be a miss")

	_, found, err = s.Restore(ctx, "./src/missing.js", "v1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreWithoutPrefix(t *testing.T) {
	mr, client := newTestRedis(t)
	s := New(client, nil)

	require.NoError(t, s.Store(context.Background(), "a", "v1", []byte("x")))
	assert.True(t, mr.Exists("a"))
	assert.Equal(t, "v1", mr.HGet("a", fieldEtag))
}

func TestTTLExpiresEntries(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := New(client, &Config{Prefix: "p", TTL: time.Minute})

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	assert.Equal(t, time.Minute, mr.TTL("p:a"))

	mr.FastForward(2 * time.Minute)
	_, found, err := s.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	members, _ := mr.Members("p:" + indexKey)
	assert.Empty(t, members, "expired identifiers are pruned from the index")
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	s := New(client, &Config{Prefix: "p"})

	require.NoError(t, s.Store(ctx, "b", "v2", []byte("bee")))
	require.NoError(t, s.Store(ctx, "a", "v1", []byte("ay")))

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Identifier)
	assert.Equal(t, types.Etag("v1"), entries[0].Etag)
	assert.Equal(t, int64(2), entries[0].Size)
	assert.Equal(t, "p:a", entries[0].File)
	assert.False(t, entries[0].StoredAt.IsZero())
	assert.Equal(t, "b", entries[1].Identifier)
}

func TestBuildDependencies(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	s := New(client, &Config{Prefix: "p"})

	deps, err := s.BuildDependencies(ctx)
	require.NoError(t, err)
	assert.Nil(t, deps)

	require.NoError(t, s.StoreBuildDependencies(ctx, []string{"package.json", "yarn.lock"}))
	deps, err = s.BuildDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.json", "yarn.lock"}, deps)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := New(client, &Config{Prefix: "p"})

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, s.StoreBuildDependencies(ctx, []string{"package.json"}))
	require.NoError(t, s.Purge(ctx))

	assert.Empty(t, mr.Keys())
}

func TestServerFailures(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := New(client, &Config{Retry: noRetry(), QueryTimeout: 200 * time.Millisecond})

	require.NoError(t, s.AfterAllStored(ctx))
	mr.Close()

	tests := []struct {
		name string
		call func() error
	}{
		{"store", func() error { return s.Store(ctx, "a", "v1", []byte("x")) }},
		{"restore", func() error { _, _, err := s.Restore(ctx, "a", "v1"); return err }},
		{"checkpoint", func() error { return s.AfterAllStored(ctx) }},
		{"entries", func() error { _, err := s.Entries(ctx); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t,
				cerrors.HasCode(err, cerrors.ErrCodeConnectionFailed) ||
					cerrors.HasCode(err, cerrors.ErrCodeConnectionTimeout),
				"unexpected error %v", err)
		})
	}
}

func TestBreakerShortCircuitsUnreachableServer(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := New(client, &Config{
		Retry:        noRetry(),
		QueryTimeout: 200 * time.Millisecond,
		Breaker:      &circuit.Config{FailureThreshold: 2, Timeout: time.Hour},
	})
	require.NotNil(t, s.Breaker())

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	mr.Close()

	for i := 0; i < 2; i++ {
		err := s.Store(ctx, "a", "v1", []byte("x"))
		require.Error(t, err)
		assert.False(t, circuit.Rejected(err))
	}
	assert.Equal(t, circuit.StateOpen, s.Breaker().State())

	err := s.Store(ctx, "a", "v1", []byte("x"))
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeCircuitOpen))

	// lookups degrade to misses instead of failing the build
	payload, found, err := s.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, payload)
}

func TestWithoutBreaker(t *testing.T) {
	_, client := newTestRedis(t)
	assert.Nil(t, New(client, nil).Breaker())
}

func TestDial(t *testing.T) {
	_, err := Dial(context.Background(), &Config{})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeMissingConfig))

	mr := miniredis.RunT(t)
	s, err := Dial(context.Background(), &Config{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Store(context.Background(), "a", "v1", []byte("x")))
	require.NoError(t, s.Close())
}
