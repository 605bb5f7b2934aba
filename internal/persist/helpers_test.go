package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bundlecache/bundlecache/pkg/types"
)

// memStrategy is an in-memory types.Strategy with failure injection.
type memStrategy struct {
	mu          sync.Mutex
	entries     map[string]types.Entry
	deps        []string
	stores      []string
	checkpoints int
	cleared     int
	delay       time.Duration
	failStore   map[string]bool
	failRestore bool
	failFlush   bool
}

func newMemStrategy() *memStrategy {
	return &memStrategy{entries: map[string]types.Entry{}, failStore: map[string]bool{}}
}

var errInjected = errors.New("injected failure")

func (m *memStrategy) Store(_ context.Context, id string, etag types.Etag, payload []byte) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = append(m.stores, id)
	if m.failStore[id] {
		return errInjected
	}
	m.entries[id] = types.Entry{Etag: etag, Payload: payload}
	return nil
}

func (m *memStrategy) Restore(_ context.Context, id string, etag types.Etag) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRestore {
		return nil, false, errInjected
	}
	e, ok := m.entries[id]
	if !ok || !e.Matches(etag) {
		return nil, false, nil
	}
	return e.Payload, true, nil
}

func (m *memStrategy) AfterAllStored(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	if m.failFlush {
		return errInjected
	}
	return nil
}

func (m *memStrategy) StoreBuildDependencies(_ context.Context, deps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = deps
	return nil
}

func (m *memStrategy) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
}

func (m *memStrategy) storeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stores)
}

func (m *memStrategy) checkpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints
}

func (m *memStrategy) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

type recordingObserver struct {
	mu      sync.Mutex
	writes  int
	failed  int
	flushes int
	pending int
}

func (o *recordingObserver) ObserveWrite(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) ObserveFlush(string, int, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
}

func (o *recordingObserver) ObservePending(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = n
}
