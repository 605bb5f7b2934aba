// Package manager assembles the cache from a configuration: the memory
// tier, the configured persistence tier over the pack strategy, an optional
// shared remote tier and the metrics collector.
package manager

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/bundlecache/bundlecache/internal/cache"
	"github.com/bundlecache/bundlecache/internal/circuit"
	"github.com/bundlecache/bundlecache/internal/config"
	"github.com/bundlecache/bundlecache/internal/metrics"
	"github.com/bundlecache/bundlecache/internal/persist"
	"github.com/bundlecache/bundlecache/internal/storage/pack"
	"github.com/bundlecache/bundlecache/internal/storage/remote"
	s3store "github.com/bundlecache/bundlecache/internal/storage/s3"
	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/retry"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

// Tier names on the bus
const (
	TierMemory = "memory"
	TierRemote = "remote"
)

// remoteStrategy is a strategy shared over the network
type remoteStrategy interface {
	types.Strategy
	io.Closer
	Breaker() *circuit.Breaker
}

// Manager owns one cache instance. The host build tool creates one per
// compiler and reports its events through the Manager's methods.
type Manager struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	bus     *cache.Bus
	metrics *metrics.Collector

	pack    *pack.Strategy
	remote  remoteStrategy
	idle    *persist.IdleTier
	closers []io.Closer
}

// New validates cfg and builds the cache it describes.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	m := &Manager{config: cfg}
	if err := m.initLogger(o); err != nil {
		return nil, err
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Address:   cfg.Monitoring.Metrics.Address,
		Namespace: cfg.Monitoring.Metrics.Namespace,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
		Logger:    m.logger,
	})
	if err != nil {
		m.close()
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "creating metrics collector")
	}
	m.metrics = collector
	m.bus = cache.NewBus(&cache.BusConfig{Logger: m.logger, Observer: collector})

	if err := m.registerMemory(); err != nil {
		m.close()
		return nil, err
	}
	if err := m.registerPersistence(o); err != nil {
		m.close()
		return nil, err
	}
	if err := m.registerRemote(ctx, o); err != nil {
		m.close()
		return nil, err
	}

	if err := collector.Start(ctx); err != nil {
		m.close()
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "starting metrics endpoint")
	}

	tiers := m.bus.Tiers()
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = fmt.Sprintf("%s@%d", t.Name, t.Stage)
	}
	m.logger.Info("cache ready", map[string]interface{}{"tiers": names})
	return m, nil
}

func (m *Manager) initLogger(o options) error {
	if o.logger != nil {
		m.logger = o.logger
		return nil
	}

	level, _ := utils.ParseLogLevel(m.config.Global.LogLevel)
	format, _ := utils.ParseLogFormat(m.config.Global.LogFormat)
	var output io.Writer = os.Stderr
	if g := m.config.Global; g.LogFile != "" {
		f, err := utils.NewRotatingFile(osfs.New(filepath.Dir(g.LogFile)), utils.RotationConfig{
			Filename:   filepath.Base(g.LogFile),
			MaxSize:    int64(g.LogMaxSizeMB) << 20,
			MaxBackups: g.LogMaxBackups,
			Compress:   g.LogCompress,
		})
		if err != nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "opening log file").
				WithDetail("file", g.LogFile).
				WithCause(err)
		}
		output = f
		m.closers = append(m.closers, f)
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: output,
		Format: format,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "creating logger")
	}
	m.logger = logger
	return nil
}

func (m *Manager) registerMemory() error {
	generations := m.config.Memory.MaxGenerations
	if generations == 0 {
		return m.bus.Register(TierMemory, cache.StageMemory, cache.NewMemoryTier())
	}

	tier, err := cache.NewGenerationalTier(&cache.GenerationalConfig{
		MaxGenerations: generations,
		Logger:         m.logger,
		OnCollect:      m.metrics.ObserveGC,
	})
	if err != nil {
		return err
	}
	return m.bus.Register(TierMemory, cache.StageMemory, tier)
}

func (m *Manager) retryConfig() *retry.Config {
	rc := retry.DefaultConfig()
	r := m.config.Persistence.Retry
	if r.MaxAttempts > 0 {
		rc.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay > 0 {
		rc.InitialDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		rc.MaxDelay = r.MaxDelay
	}
	return &rc
}

func (m *Manager) registerPersistence(o options) error {
	p := m.config.Persistence
	if p.Mode == config.ModeNone {
		return nil
	}

	packConfig := &pack.Config{
		Compression: p.Compression,
		IndexFile:   p.IndexFile,
		Retry:       m.retryConfig(),
		Logger:      m.logger,
	}
	var (
		strategy *pack.Strategy
		err      error
	)
	if o.filesystem != nil {
		strategy, err = pack.New(o.filesystem, packConfig)
	} else {
		strategy, err = pack.Open(p.Directory, packConfig)
	}
	if err != nil {
		return err
	}
	m.pack = strategy
	m.closers = append(m.closers, strategy)

	tierConfig := persist.Config{Name: p.Mode, Logger: m.logger, Observer: m.metrics}
	var tier cache.Tier
	switch p.Mode {
	case config.ModeWriteThrough:
		tier, err = persist.NewWriteThroughTier(strategy, &tierConfig)
	case config.ModeBackground:
		tier, err = persist.NewBackgroundTier(strategy, &tierConfig)
	case config.ModeIdle:
		var idle *persist.IdleTier
		idle, err = persist.NewIdleTier(strategy, &persist.IdleConfig{
			Config:                       tierConfig,
			IdleTimeout:                  p.Idle.Timeout,
			IdleTimeoutForInitialStore:   p.Idle.TimeoutForInitialStore,
			IdleTimeoutAfterLargeChanges: p.Idle.TimeoutAfterLargeChanges,
			BatchSize:                    p.Idle.BatchSize,
		})
		m.idle = idle
		tier = idle
	}
	if err != nil {
		return err
	}
	return m.bus.Register(p.Mode, cache.StageDisk, tier)
}

func (m *Manager) registerRemote(ctx context.Context, o options) error {
	r := m.config.Remote
	if !r.Enabled && o.redisClient == nil && o.s3Client == nil {
		return nil
	}

	var breaker *circuit.Config
	if cb := r.CircuitBreaker; cb.Enabled {
		breaker = &circuit.Config{
			FailureThreshold: uint32(cb.FailureThreshold),
			Timeout:          cb.Timeout,
		}
	}
	var (
		strategy remoteStrategy
		err      error
	)
	if r.Kind == config.RemoteS3 || o.s3Client != nil {
		s3Config := &s3store.Config{
			Bucket:          r.Bucket,
			Prefix:          r.Prefix,
			Region:          r.Region,
			Endpoint:        r.Endpoint,
			ForcePathStyle:  r.ForcePathStyle,
			AccessKeyID:     r.AccessKeyID,
			SecretAccessKey: r.SecretAccessKey,
			QueryTimeout:    r.QueryTimeout,
			Retry:           m.retryConfig(),
			Breaker:         breaker,
			Logger:          m.logger,
		}
		if o.s3Client != nil {
			strategy = s3store.New(o.s3Client, s3Config)
		} else {
			strategy, err = s3store.Dial(ctx, s3Config)
		}
	} else {
		remoteConfig := &remote.Config{
			Address:      r.Address,
			Password:     r.Password,
			DB:           r.DB,
			Prefix:       r.Prefix,
			TTL:          r.TTL,
			QueryTimeout: r.QueryTimeout,
			Retry:        m.retryConfig(),
			Breaker:      breaker,
			Logger:       m.logger,
		}
		if o.redisClient != nil {
			strategy = remote.New(o.redisClient, remoteConfig)
		} else {
			strategy, err = remote.Dial(ctx, remoteConfig)
		}
	}
	if err != nil {
		return err
	}
	m.remote = strategy
	m.closers = append(m.closers, strategy)

	// network writes must never hold up a build
	tier, err := persist.NewBackgroundTier(strategy, &persist.Config{
		Name:     TierRemote,
		Logger:   m.logger,
		Observer: m.metrics,
	})
	if err != nil {
		return err
	}
	return m.bus.Register(TierRemote, cache.StageNetwork, tier)
}

// Get walks the tiers for identifier. See cache.Bus.Get.
func (m *Manager) Get(ctx context.Context, identifier string, etag types.Etag) (*cache.Lookup, error) {
	return m.bus.Get(ctx, identifier, etag)
}

// Store hands an entry to every tier.
func (m *Manager) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	return m.bus.Store(ctx, identifier, etag, payload)
}

// Provide returns the cached value or computes, caches and returns it.
func (m *Manager) Provide(ctx context.Context, identifier string, etag types.Etag, compute cache.ComputeFunc) ([]byte, bool, error) {
	return cache.Provide(ctx, m.bus, identifier, etag, compute)
}

// StoreBuildDependencies records the files the build configuration depends on.
func (m *Manager) StoreBuildDependencies(ctx context.Context, deps []string) error {
	return m.bus.StoreBuildDependencies(ctx, deps)
}

// BuildCompleted reports a finished top-level build.
func (m *Manager) BuildCompleted(start, end time.Time) {
	stats := types.BuildStats{Start: start, End: end}
	m.metrics.ObserveBuild(stats.Duration())
	m.bus.BuildCompleted(stats)
}

// BeginIdle reports that the build process has gone quiet.
func (m *Manager) BeginIdle(ctx context.Context) {
	m.bus.BeginIdle(ctx)
}

// EndIdle reports that a build is about to start.
func (m *Manager) EndIdle(ctx context.Context) {
	m.bus.EndIdle(ctx)
}

// Shutdown flushes every tier, then releases strategies and the metrics
// endpoint. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if err := m.bus.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.metrics.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	if err := m.close(); err != nil {
		errs = append(errs, err)
	}
	return stderr.Join(errs...)
}

func (m *Manager) close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return stderr.Join(errs...)
}

// Tiers lists the registered tiers in lookup order.
func (m *Manager) Tiers() []cache.TierInfo {
	return m.bus.Tiers()
}

// Metrics returns the collector.
func (m *Manager) Metrics() *metrics.Collector {
	return m.metrics
}

// Entries lists the entries the pack strategy holds, nil without persistence.
func (m *Manager) Entries(ctx context.Context) ([]types.IndexEntry, error) {
	if m.pack == nil {
		return nil, nil
	}
	return m.pack.Entries(ctx)
}

// IdleStats reports the idle tier's state. ok is false in other modes.
func (m *Manager) IdleStats() (stats persist.IdleStats, ok bool) {
	if m.idle == nil {
		return persist.IdleStats{}, false
	}
	return m.idle.Stats(), true
}
