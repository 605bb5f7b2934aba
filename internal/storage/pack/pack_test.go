package pack

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

func newTestStrategy(t *testing.T, fs billy.Filesystem, compression bool) *Strategy {
	t.Helper()
	s, err := New(fs, &Config{Compression: compression})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRestore(t *testing.T) {
	for _, compression := range []bool{false, true} {
		name := "plain"
		if compression {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStrategy(t, memfs.New(), compression)
			payload := []byte("module.exports = function() { return 42 }")

			require.NoError(t, s.Store(ctx, "./src/a.js", "v1", payload))

			got, found, err := s.Restore(ctx, "./src/a.js", "v1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, payload, got)

			_, found, err = s.Restore(ctx, "./src/a.js", "v2")
			require.NoError(t, err)
			assert.False(t, found, "etag mismatch must be a miss")

			_, found, err = s.Restore(ctx, "./src/b.js", "v1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStoreReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStrategy(t, memfs.New(), true)

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("one")))
	require.NoError(t, s.Store(ctx, "a", "v2", []byte("two")))

	_, found, _ := s.Restore(ctx, "a", "v1")
	assert.False(t, found)
	got, found, err := s.Restore(ctx, "a", "v2")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("two"), got)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.Etag("v2"), entries[0].Etag)
}

func TestIndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()

	s := newTestStrategy(t, fs, true)
	require.NoError(t, s.Store(ctx, "b", "v1", []byte("bee")))
	require.NoError(t, s.Store(ctx, "a", "v1", []byte("ay")))
	require.NoError(t, s.StoreBuildDependencies(ctx, []string{"package.json", "webpack.config.js"}))
	require.NoError(t, s.AfterAllStored(ctx))

	_, err := fs.Stat(defaultIndexFile)
	require.NoError(t, err)
	_, err = fs.Stat(defaultIndexFile + ".tmp")
	assert.Error(t, err, "temporary index file must be renamed away")

	reopened := newTestStrategy(t, fs, true)
	got, found, err := reopened.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("ay"), got)
	assert.Equal(t, []string{"package.json", "webpack.config.js"}, reopened.BuildDependencies())

	entries, err := reopened.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Identifier)
	assert.Equal(t, "b", entries[1].Identifier)
	assert.Equal(t, entryFile("a"), entries[0].File)
	assert.Positive(t, entries[0].Size)
}

func TestUnsavedIndexIsLost(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()

	s := newTestStrategy(t, fs, false)
	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))

	// without a checkpoint the index never reached disk
	reopened := newTestStrategy(t, fs, false)
	_, found, err := reopened.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAfterAllStoredSkipsCleanIndex(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	s := newTestStrategy(t, fs, false)

	require.NoError(t, s.AfterAllStored(ctx))
	_, err := fs.Stat(defaultIndexFile)
	assert.Error(t, err, "nothing changed, nothing written")

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, s.AfterAllStored(ctx))
	_, err = fs.Stat(defaultIndexFile)
	require.NoError(t, err)

	// a second checkpoint without changes must not rewrite the index
	require.NoError(t, fs.Remove(defaultIndexFile))
	require.NoError(t, s.AfterAllStored(ctx))
	_, err = fs.Stat(defaultIndexFile)
	assert.Error(t, err)
}

func TestCorruptIndexStartsEmpty(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{"garbage", func(*testing.T) []byte { return []byte("not msgpack at all") }},
		{"old version", func(t *testing.T) []byte {
			data, err := msgpack.Marshal(&packIndex{Version: indexVersion + 1})
			require.NoError(t, err)
			return data
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := memfs.New()
			require.NoError(t, util.WriteFile(fs, defaultIndexFile, tt.data(t), 0o644))

			s := newTestStrategy(t, fs, false)
			entries, err := s.Entries(context.Background())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	logger, rec := utils.NewRecordingLogger(utils.WARN)
	s, err := New(fs, &Config{Compression: true, Logger: logger})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, util.WriteFile(fs, entryFile("a"), []byte{0xc1, 0xc1}, 0o644))

	_, found, err := s.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, rec.Contains(utils.WARN, "entry file corrupt"))

	entries, _ := s.Entries(ctx)
	assert.Empty(t, entries, "corrupt entry is dropped from the index")
}

func TestForeignEnvelopeIsMiss(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	s := newTestStrategy(t, fs, false)

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	data, err := msgpack.Marshal(&envelope{Identifier: "z", Etag: "v1", Data: []byte("zz"), StoredAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(fs, entryFile("a"), data, 0o644))

	_, found, err := s.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMissingEntryFileIsMiss(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	s := newTestStrategy(t, fs, false)

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, fs.Remove(entryFile("a")))

	_, found, err := s.Restore(ctx, "a", "v1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearAndPurge(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	s := newTestStrategy(t, fs, false)

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, s.AfterAllStored(ctx))

	s.Clear()
	_, found, _ := s.Restore(ctx, "a", "v1")
	assert.False(t, found)
	_, err := fs.Stat(entryFile("a"))
	assert.NoError(t, err, "Clear leaves files on disk")

	require.NoError(t, s.Store(ctx, "b", "v1", []byte("y")))
	require.NoError(t, s.Purge())
	_, err = fs.Stat(entryFile("b"))
	assert.Error(t, err)
	_, err = fs.Stat(defaultIndexFile)
	assert.Error(t, err)

	// the strategy stays usable after a purge
	require.NoError(t, s.Store(ctx, "c", "v1", []byte("z")))
	_, found, _ = s.Restore(ctx, "c", "v1")
	assert.True(t, found)
}

func TestCustomIndexFileAndRetry(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	retryConfig := retry.DefaultConfig()
	retryConfig.MaxAttempts = 1
	s, err := New(fs, &Config{IndexFile: "custom.idx", Retry: &retryConfig})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(ctx, "a", "v1", []byte("x")))
	require.NoError(t, s.AfterAllStored(ctx))
	_, err = fs.Stat("custom.idx")
	assert.NoError(t, err)
}

func TestEntryFileIsStable(t *testing.T) {
	assert.Equal(t, entryFile("a"), entryFile("a"))
	assert.NotEqual(t, entryFile("a"), entryFile("b"))
	assert.Regexp(t, `^entries/[0-9a-f]{16}\.entry$`, entryFile("./node_modules/lodash/index.js"))
}

func TestOpenRequiresDirectory(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)

	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Store(context.Background(), "a", "v1", []byte("on disk")))
	got, found, err := s.Restore(context.Background(), "a", "v1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("on disk"), got)
}
