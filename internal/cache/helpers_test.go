package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bundlecache/bundlecache/pkg/types"
)

func typesEtag(s string) types.Etag { return types.Etag(s) }

// fakeTier answers from a fixed map and records what it saw.
type fakeTier struct {
	mu        sync.Mutex
	answers   map[string]Result
	stores    []string
	completed []string
	err       error
	storeErr  error
	idle      int
	builds    int
	deps      []string
	shutdown  bool
	strategy  types.Strategy
}

func newFakeTier() *fakeTier {
	return &fakeTier{answers: map[string]Result{}}
}

func (f *fakeTier) Get(ctx context.Context, lookup *Lookup) (Result, error) {
	if f.err != nil {
		return Result{}, f.err
	}
	f.mu.Lock()
	r, ok := f.answers[lookup.Identifier]
	f.mu.Unlock()
	if ok {
		return r, nil
	}
	lookup.OnResult(ctx, func(_ context.Context, payload []byte, found bool) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if found {
			f.completed = append(f.completed, string(payload))
		} else {
			f.completed = append(f.completed, "<absent>")
		}
	})
	return Unresolved(), nil
}

func (f *fakeTier) Store(_ context.Context, id string, _ types.Etag, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, id)
	return f.storeErr
}

func (f *fakeTier) StoreBuildDependencies(_ context.Context, deps []string) error {
	f.deps = deps
	return nil
}

func (f *fakeTier) BeginIdle(context.Context) { f.idle++ }
func (f *fakeTier) EndIdle(context.Context)   { f.idle-- }

func (f *fakeTier) BuildCompleted(types.BuildStats) { f.builds++ }

func (f *fakeTier) Shutdown(context.Context) error {
	f.shutdown = true
	return nil
}

// persistentFake is a fakeTier that claims a persistence strategy.
type persistentFake struct{ *fakeTier }

func (p persistentFake) Strategy() types.Strategy { return p.strategy }

type recordingObserver struct {
	mu      sync.Mutex
	lookups []string
	stores  int
}

func (o *recordingObserver) ObserveLookup(tier string, state ResultState, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lookups = append(o.lookups, tier+":"+state.String())
}

func (o *recordingObserver) ObserveStore(string, error, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stores++
}
