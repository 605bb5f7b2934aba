package cache

import (
	"context"
	"sync"

	"github.com/bundlecache/bundlecache/pkg/types"
)

// MemoryTier is an unbounded in-memory tier. It remembers tombstones so a
// value known to be absent is not recomputed just to find out again.
type MemoryTier struct {
	mu    sync.Mutex
	slots map[string]slot
}

// NewMemoryTier creates an empty memory tier
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{slots: make(map[string]slot)}
}

// Get implements Tier
func (m *MemoryTier) Get(ctx context.Context, lookup *Lookup) (Result, error) {
	m.mu.Lock()
	s := m.slots[lookup.Identifier]
	m.mu.Unlock()

	if result := s.answer(lookup.Etag); result.Answered() {
		return result, nil
	}

	lookup.OnResult(ctx, func(_ context.Context, payload []byte, found bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if found {
			m.slots[lookup.Identifier] = presentSlot(lookup.Etag, payload)
		} else {
			m.slots[lookup.Identifier] = tombstoneSlot(lookup.Etag)
		}
	})
	return Unresolved(), nil
}

// Store implements Tier
func (m *MemoryTier) Store(_ context.Context, identifier string, etag types.Etag, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[identifier] = presentSlot(etag, payload)
	return nil
}

// Shutdown drops every entry
func (m *MemoryTier) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = make(map[string]slot)
	return nil
}

// Len returns the number of identifiers with a known state
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
