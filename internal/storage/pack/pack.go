// Package pack implements a persistence strategy that keeps one file per
// cache entry on a go-billy filesystem, plus an index written at checkpoints.
package pack

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

const (
	indexVersion     = 1
	defaultIndexFile = "index.pack"
	entriesDir       = "entries"
)

// Config configures a pack Strategy
type Config struct {
	// Compression stores payloads zstd-compressed
	Compression bool `yaml:"compression"`
	// IndexFile is the index path relative to the filesystem root
	IndexFile string                  `yaml:"index_file"`
	Retry     *retry.Config           `yaml:"retry"`
	Logger    *utils.StructuredLogger `yaml:"-"`
}

// envelope is the on-disk form of one entry
type envelope struct {
	Identifier string     `msgpack:"identifier"`
	Etag       types.Etag `msgpack:"etag"`
	Compressed bool       `msgpack:"compressed"`
	Data       []byte     `msgpack:"data"`
	StoredAt   time.Time  `msgpack:"stored_at"`
}

// packIndex maps identifiers to their entry files
type packIndex struct {
	Version           int                          `msgpack:"version"`
	Entries           map[string]*types.IndexEntry `msgpack:"entries"`
	BuildDependencies []string                     `msgpack:"build_dependencies"`
	SavedAt           time.Time                    `msgpack:"saved_at"`
}

func newIndex() *packIndex {
	return &packIndex{Version: indexVersion, Entries: make(map[string]*types.IndexEntry)}
}

// Strategy is a types.Strategy storing entries as files
type Strategy struct {
	fs        billy.Filesystem
	indexFile string
	compress  bool
	retryer   *retry.Retryer
	logger    *utils.StructuredLogger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.RWMutex
	index *packIndex
	dirty bool
}

// Open creates a Strategy rooted at directory on the local disk.
func Open(directory string, config *Config) (*Strategy, error) {
	if directory == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "pack directory is required").
			WithComponent("pack")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "creating pack directory").
			WithComponent("pack").
			WithDetail("directory", directory).
			WithCause(err)
	}
	return New(osfs.New(directory), config)
}

// New creates a Strategy on fs and loads its index.
func New(fs billy.Filesystem, config *Config) (*Strategy, error) {
	if config == nil {
		config = &Config{Compression: true}
	}
	indexFile := config.IndexFile
	if indexFile == "" {
		indexFile = defaultIndexFile
	}
	retryConfig := retry.DefaultConfig()
	if config.Retry != nil {
		retryConfig = *config.Retry
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "creating zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "creating zstd decoder")
	}

	s := &Strategy{
		fs:        fs,
		indexFile: indexFile,
		compress:  config.Compression,
		retryer:   retry.New(retryConfig),
		logger:    logger.WithComponent("pack"),
		encoder:   encoder,
		decoder:   decoder,
	}

	if err := fs.MkdirAll(entriesDir, 0o755); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "creating entries directory").
			WithComponent("pack").
			WithCause(err)
	}
	s.index = s.loadIndex()
	return s, nil
}

// loadIndex reads the index file. A missing, unreadable or outdated index
// starts an empty cache; entries are rebuilt by the next build.
func (s *Strategy) loadIndex() *packIndex {
	data, err := util.ReadFile(s.fs, s.indexFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading pack index failed, starting empty", map[string]interface{}{"error": err.Error()})
		}
		return newIndex()
	}

	var idx packIndex
	if err := msgpack.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("pack index is corrupt, starting empty", map[string]interface{}{"error": err.Error()})
		return newIndex()
	}
	if idx.Version != indexVersion {
		s.logger.Info("pack index version changed, starting empty", map[string]interface{}{
			"found":    idx.Version,
			"expected": indexVersion,
		})
		return newIndex()
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*types.IndexEntry)
	}
	s.logger.Debug("pack index loaded", map[string]interface{}{"entries": len(idx.Entries)})
	return &idx
}

// entryFile names the file for identifier. Identifiers are hashed only to
// get a safe file name; the envelope keeps the full identifier.
func entryFile(identifier string) string {
	return path.Join(entriesDir, fmt.Sprintf("%016x.entry", xxhash.Sum64String(identifier)))
}

// Store implements types.Strategy
func (s *Strategy) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	env := envelope{
		Identifier: identifier,
		Etag:       etag,
		Data:       payload,
		StoredAt:   time.Now(),
	}
	if s.compress {
		env.Data = s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		env.Compressed = true
	}

	data, err := msgpack.Marshal(&env)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "encoding entry").
			WithComponent("pack").
			WithIdentifier(identifier).
			WithCause(err)
	}

	file := entryFile(identifier)
	err = s.retryer.DoWithContext(ctx, func(context.Context) error {
		return s.writeAtomic(file, data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.index.Entries[identifier] = &types.IndexEntry{
		Identifier: identifier,
		Etag:       etag,
		File:       file,
		Size:       int64(len(data)),
		StoredAt:   env.StoredAt,
	}
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// writeAtomic writes data to a temporary file and renames it into place.
func (s *Strategy) writeAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.NewError(errors.ErrCodeStorageWrite, "writing temporary file").
			WithComponent("pack").
			WithDetail("file", tmp).
			WithCause(err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.NewError(errors.ErrCodeStorageWrite, "renaming temporary file").
			WithComponent("pack").
			WithDetail("file", name).
			WithCause(err)
	}
	return nil
}

// Restore implements types.Strategy. Missing or corrupt entry files are
// misses; they are dropped from the index and logged.
func (s *Strategy) Restore(_ context.Context, identifier string, etag types.Etag) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.index.Entries[identifier]
	s.mu.RUnlock()
	if !ok || entry.Etag != etag {
		return nil, false, nil
	}

	data, err := util.ReadFile(s.fs, entry.File)
	if err != nil {
		if os.IsNotExist(err) {
			s.forget(identifier, "entry file missing")
			return nil, false, nil
		}
		return nil, false, errors.NewError(errors.ErrCodeStorageRead, "reading entry").
			WithComponent("pack").
			WithIdentifier(identifier).
			WithCause(err)
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		s.forget(identifier, "entry file corrupt")
		return nil, false, nil
	}
	if env.Identifier != identifier {
		// another identifier with the same hash overwrote the file
		s.forget(identifier, "entry file belongs to another identifier")
		return nil, false, nil
	}
	if env.Etag != etag {
		return nil, false, nil
	}

	payload := env.Data
	if env.Compressed {
		payload, err = s.decoder.DecodeAll(env.Data, nil)
		if err != nil {
			s.forget(identifier, "entry payload corrupt")
			return nil, false, nil
		}
	}
	return payload, true, nil
}

func (s *Strategy) forget(identifier, reason string) {
	s.mu.Lock()
	delete(s.index.Entries, identifier)
	s.dirty = true
	s.mu.Unlock()
	s.logger.Warn(reason, map[string]interface{}{"identifier": identifier})
}

// StoreBuildDependencies implements types.BuildDependencyStorer. The list is
// written with the index at the next checkpoint.
func (s *Strategy) StoreBuildDependencies(_ context.Context, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.BuildDependencies = append([]string(nil), deps...)
	s.dirty = true
	return nil
}

// AfterAllStored implements types.Strategy by saving the index when it
// changed since the last checkpoint.
func (s *Strategy) AfterAllStored(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.index.SavedAt = time.Now()
	data, err := msgpack.Marshal(s.index)
	s.dirty = false
	entries := len(s.index.Entries)
	s.mu.Unlock()
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "encoding index").
			WithComponent("pack").
			WithCause(err)
	}

	err = s.retryer.DoWithContext(ctx, func(context.Context) error {
		return s.writeAtomic(s.indexFile, data)
	})
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}

	s.logger.Debug("pack index saved", map[string]interface{}{
		"entries": entries,
		"bytes":   utils.FormatBytes(int64(len(data))),
	})
	return nil
}

// Clear implements types.Resetter by dropping the in-memory index. Files on
// disk are left alone.
func (s *Strategy) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = newIndex()
	s.dirty = false
}

// Purge deletes every entry file and the index.
func (s *Strategy) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := util.RemoveAll(s.fs, entriesDir); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "removing entries").
			WithComponent("pack").
			WithCause(err)
	}
	if err := s.fs.Remove(s.indexFile); err != nil && !os.IsNotExist(err) {
		return errors.NewError(errors.ErrCodeStorageWrite, "removing index").
			WithComponent("pack").
			WithCause(err)
	}
	if err := s.fs.MkdirAll(entriesDir, 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "creating entries directory").
			WithComponent("pack").
			WithCause(err)
	}
	s.index = newIndex()
	s.dirty = false
	return nil
}

// Entries implements types.Lister, sorted by identifier.
func (s *Strategy) Entries(context.Context) ([]types.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.IndexEntry, 0, len(s.index.Entries))
	for _, e := range s.index.Entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// BuildDependencies returns the last recorded build dependency list.
func (s *Strategy) BuildDependencies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.index.BuildDependencies...)
}

// Close releases the compression codecs.
func (s *Strategy) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}
