package cache

import (
	"context"
	"sync"

	"github.com/bundlecache/bundlecache/pkg/types"
)

// Completion is registered by a tier that could not answer a lookup. It is
// called once with the final payload, or found=false when the value is
// known absent, and returns once the tier is done reacting.
type Completion func(ctx context.Context, payload []byte, found bool)

// Lookup carries one get request through the tiers. It collects the
// completions of the tiers that missed and runs them when the answer becomes
// known, either because a slower tier answered or because the caller
// computed the value and called Resolve.
type Lookup struct {
	Identifier string
	Etag       types.Etag

	mu          sync.Mutex
	completions []Completion
	resolved    bool
	stale       bool
	payload     []byte
	found       bool
}

// NewLookup creates an unresolved lookup.
func NewLookup(identifier string, etag types.Etag) *Lookup {
	return &Lookup{Identifier: identifier, Etag: etag}
}

// OnResult registers a completion. Completions registered after the lookup
// resolved run immediately.
func (l *Lookup) OnResult(ctx context.Context, c Completion) {
	l.mu.Lock()
	if l.resolved {
		payload, found := l.payload, l.found
		l.mu.Unlock()
		c(ctx, payload, found)
		return
	}
	l.completions = append(l.completions, c)
	l.mu.Unlock()
}

// Resolve records the final answer and runs every registered completion in
// registration order. Only the first call has an effect; it reports whether
// this call resolved the lookup.
func (l *Lookup) Resolve(ctx context.Context, payload []byte, found bool) bool {
	l.mu.Lock()
	if l.resolved {
		l.mu.Unlock()
		return false
	}
	if !found {
		payload = nil
	}
	l.resolved = true
	l.payload = payload
	l.found = found
	completions := l.completions
	l.completions = nil
	l.mu.Unlock()

	for _, c := range completions {
		c(ctx, payload, found)
	}
	return true
}

// Resolved reports whether the answer is known.
func (l *Lookup) Resolved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved
}

// Value returns the resolved answer. found is false for unresolved lookups
// and for tombstones alike.
func (l *Lookup) Value() (payload []byte, found bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payload, l.found
}

// Pending returns the number of completions waiting for the answer.
func (l *Lookup) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.completions)
}

// Stale reports whether the lookup was answered by a tier holding the
// identifier under another etag. The caller must compute and Store the value.
func (l *Lookup) Stale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stale
}

func (l *Lookup) markStale() {
	l.mu.Lock()
	l.stale = true
	l.mu.Unlock()
}
