package cache

import (
	"context"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

// Stage orders tiers on the bus. Lower stages are asked first.
type Stage int

const (
	StageMemory  Stage = -10
	StageDefault Stage = 0
	StageDisk    Stage = 10
	StageNetwork Stage = 20
)

// Tier is one cache strategy participating in the waterfall.
type Tier interface {
	// Get answers lookup, or returns Unresolved and optionally registers a
	// completion on lookup to learn the final answer.
	Get(ctx context.Context, lookup *Lookup) (Result, error)

	// Store records payload under identifier and etag.
	Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error
}

// BuildDependencyStorer is implemented by tiers that persist the build's own
// dependency list.
type BuildDependencyStorer interface {
	StoreBuildDependencies(ctx context.Context, deps []string) error
}

// IdleAware is implemented by tiers that use idle periods between builds.
type IdleAware interface {
	BeginIdle(ctx context.Context)
	EndIdle(ctx context.Context)
}

// BuildObserver is implemented by tiers that react to completed builds.
type BuildObserver interface {
	BuildCompleted(stats types.BuildStats)
}

// Shutdowner is implemented by tiers holding state to flush or release.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Persister is implemented by tiers backed by a persistence strategy. At most
// one Persister may be registered per stage.
type Persister interface {
	Strategy() types.Strategy
}

// Observer receives per-tier events, typically a metrics collector.
type Observer interface {
	ObserveLookup(tier string, state ResultState, duration time.Duration)
	ObserveStore(tier string, err error, duration time.Duration)
}

type registeredTier struct {
	name  string
	stage Stage
	tier  Tier
}

// TierInfo describes a registered tier.
type TierInfo struct {
	Name  string `json:"name"`
	Stage Stage  `json:"stage"`
}

// BusConfig configures a Bus
type BusConfig struct {
	Logger   *utils.StructuredLogger
	Observer Observer
}

// Bus dispatches cache events to registered tiers in stage order.
type Bus struct {
	mu       sync.RWMutex
	tiers    []registeredTier
	logger   *utils.StructuredLogger
	observer Observer
	closed   bool
}

// NewBus creates an empty bus
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = &BusConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Bus{
		logger:   logger.WithComponent("bus"),
		observer: config.Observer,
	}
}

// Register adds tier at stage. Tiers at equal stages are asked in
// registration order.
func (b *Bus) Register(name string, stage Stage, tier Tier) error {
	if tier == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "tier is nil").WithDetail("tier", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.NewError(errors.ErrCodeShutdownInProgress, "bus is shut down").WithOperation("register")
	}

	_, persistent := tier.(Persister)
	for _, rt := range b.tiers {
		if rt.name == name {
			return errors.Newf(errors.ErrCodeTierConflict, "tier %q already registered", name)
		}
		if _, other := rt.tier.(Persister); persistent && other && rt.stage == stage {
			return errors.Newf(errors.ErrCodeTierConflict,
				"stage %d already has persistence tier %q", stage, rt.name).
				WithDetail("tier", name)
		}
	}

	// copy on write, snapshots handed to in-flight events stay valid
	tiers := make([]registeredTier, len(b.tiers), len(b.tiers)+1)
	copy(tiers, b.tiers)
	tiers = append(tiers, registeredTier{name: name, stage: stage, tier: tier})
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].stage < tiers[j].stage
	})
	b.tiers = tiers

	b.logger.Debug("tier registered", map[string]interface{}{"tier": name, "stage": int(stage)})
	return nil
}

// Tiers lists registered tiers in dispatch order.
func (b *Bus) Tiers() []TierInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TierInfo, len(b.tiers))
	for i, rt := range b.tiers {
		out[i] = TierInfo{Name: rt.name, Stage: rt.stage}
	}
	return out
}

func (b *Bus) snapshot() ([]registeredTier, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.NewError(errors.ErrCodeShutdownInProgress, "bus is shut down")
	}
	return b.tiers, nil
}

// Get walks the tiers until one answers. When a tier answers, the lookup is
// resolved with that answer before Get returns, so the completions of faster
// tiers have already run. When no tier answers, the returned lookup is
// unresolved and the caller reports the computed value with Resolve.
func (b *Bus) Get(ctx context.Context, identifier string, etag types.Etag) (*Lookup, error) {
	tiers, err := b.snapshot()
	if err != nil {
		return nil, err
	}

	lookup := NewLookup(identifier, etag)
	for _, rt := range tiers {
		start := time.Now()
		result, err := rt.tier.Get(ctx, lookup)
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeRestoreFailed, "tier get failed").
				WithComponent(rt.name).
				WithOperation("get").
				WithIdentifier(identifier).
				WithDetail("stage", int(rt.stage)).
				WithCause(err)
		}
		if b.observer != nil {
			b.observer.ObserveLookup(rt.name, result.State, time.Since(start))
		}
		if result.Answered() {
			if result.Stale {
				lookup.markStale()
			}
			lookup.Resolve(ctx, result.Payload, result.State == ResultPresent)
			return lookup, nil
		}
	}
	return lookup, nil
}

// Store hands the entry to every tier. Tiers decide whether to persist now
// or later; the returned error joins the failures of tiers that store
// synchronously.
func (b *Bus) Store(ctx context.Context, identifier string, etag types.Etag, payload []byte) error {
	tiers, err := b.snapshot()
	if err != nil {
		return err
	}

	var errs []error
	for _, rt := range tiers {
		start := time.Now()
		err := rt.tier.Store(ctx, identifier, etag, payload)
		if b.observer != nil {
			b.observer.ObserveStore(rt.name, err, time.Since(start))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", rt.name, err))
		}
	}
	return stderr.Join(errs...)
}

// StoreBuildDependencies hands the build's dependency list to the tiers that
// persist it.
func (b *Bus) StoreBuildDependencies(ctx context.Context, deps []string) error {
	tiers, err := b.snapshot()
	if err != nil {
		return err
	}

	var errs []error
	for _, rt := range tiers {
		if s, ok := rt.tier.(BuildDependencyStorer); ok {
			if err := s.StoreBuildDependencies(ctx, deps); err != nil {
				errs = append(errs, fmt.Errorf("tier %s: %w", rt.name, err))
			}
		}
	}
	return stderr.Join(errs...)
}

// BeginIdle tells idle-aware tiers that the build process has gone quiet.
func (b *Bus) BeginIdle(ctx context.Context) {
	tiers, err := b.snapshot()
	if err != nil {
		return
	}
	for _, rt := range tiers {
		if t, ok := rt.tier.(IdleAware); ok {
			t.BeginIdle(ctx)
		}
	}
}

// EndIdle tells idle-aware tiers that a build is about to start.
func (b *Bus) EndIdle(ctx context.Context) {
	tiers, err := b.snapshot()
	if err != nil {
		return
	}
	for _, rt := range tiers {
		if t, ok := rt.tier.(IdleAware); ok {
			t.EndIdle(ctx)
		}
	}
}

// BuildCompleted reports a finished top-level build.
func (b *Bus) BuildCompleted(stats types.BuildStats) {
	tiers, err := b.snapshot()
	if err != nil {
		return
	}
	for _, rt := range tiers {
		if t, ok := rt.tier.(BuildObserver); ok {
			t.BuildCompleted(stats)
		}
	}
}

// Shutdown shuts every tier down concurrently and waits for all of them.
// After Shutdown the bus rejects further events.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tiers := b.tiers
	b.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, rt := range tiers {
		s, ok := rt.tier.(Shutdowner)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, s Shutdowner) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("tier %s: %w", name, err))
				mu.Unlock()
			}
		}(rt.name, s)
	}
	wg.Wait()

	if len(errs) > 0 {
		b.logger.Error("shutdown completed with errors", map[string]interface{}{"failures": len(errs)})
	} else {
		b.logger.Debug("shutdown completed")
	}
	return stderr.Join(errs...)
}

// ComputeFunc produces a value on a cache miss. found=false means the
// computation legitimately produced nothing.
type ComputeFunc func(ctx context.Context) (payload []byte, found bool, err error)

// Provide is the cache-aside path: it asks the bus, computes on a miss and
// reports the computed value to every tier that missed. A tombstone recorded
// for the same etag is returned as not found without computing. A stale
// answer, where a tier holds the identifier under another etag, is
// recomputed and the result stored on every tier; a store failure is
// returned alongside the computed value. A failed computation leaves the
// lookup unresolved so nothing is cached.
func Provide(ctx context.Context, bus *Bus, identifier string, etag types.Etag, compute ComputeFunc) ([]byte, bool, error) {
	lookup, err := bus.Get(ctx, identifier, etag)
	if err != nil {
		return nil, false, err
	}
	if lookup.Resolved() && !lookup.Stale() {
		payload, found := lookup.Value()
		return payload, found, nil
	}

	payload, found, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	if lookup.Resolve(ctx, payload, found) || !found {
		return payload, found, nil
	}
	return payload, found, bus.Store(ctx, identifier, etag, payload)
}
