package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/bundlecache/bundlecache/pkg/errors"
	"github.com/bundlecache/bundlecache/pkg/types"
	"github.com/bundlecache/bundlecache/pkg/utils"
)

// DefaultMaxGenerations is the number of collections an unused entry
// survives in the aged list before it is dropped.
const DefaultMaxGenerations = 5

// GenerationalConfig configures a GenerationalTier
type GenerationalConfig struct {
	MaxGenerations int `yaml:"max_generations"`
	Logger         *utils.StructuredLogger
	// OnCollect, when set, receives the summary of every collection.
	OnCollect func(GCStats)
}

// GCStats summarizes one collection
type GCStats struct {
	Generation int    `json:"generation"`
	Active     int    `json:"active"`
	Aged       int    `json:"aged"`
	Demoted    int    `json:"demoted"`
	Removed    int    `json:"removed"`
	LastRemove string `json:"last_removed,omitempty"`
}

// hotSlot is a slot in the hot map. Demoted slots stay in place as
// SlotUnknown until their aged entry expires, so the map keeps its shape
// while entries cycle through it.
type hotSlot struct {
	key  string
	slot slot
	dead bool
}

type agedEntry struct {
	key   string
	slot  slot
	until int
}

// GenerationalTier is an in-memory tier that ages out entries nobody asked
// for over the last few builds. Each collection demotes a round-robin slice
// of the hot entries into the aged list; a lookup that finds its entry there
// revives it, otherwise it is dropped after MaxGenerations collections.
type GenerationalTier struct {
	mu             sync.Mutex
	maxGenerations int
	generation     int
	hot            map[string]*hotSlot
	order          []*hotSlot
	dead           int
	cursor         int
	aged           *list.List
	agedIndex      map[string]*list.Element
	logger         *utils.StructuredLogger
	onCollect      func(GCStats)
}

// NewGenerationalTier creates a generational tier
func NewGenerationalTier(config *GenerationalConfig) (*GenerationalTier, error) {
	if config == nil {
		config = &GenerationalConfig{MaxGenerations: DefaultMaxGenerations}
	}
	if config.MaxGenerations < 1 {
		return nil, errors.Newf(errors.ErrCodeConfigValidation,
			"max generations must be at least 1, got %d", config.MaxGenerations).
			WithComponent("generational")
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	return &GenerationalTier{
		maxGenerations: config.MaxGenerations,
		hot:            make(map[string]*hotSlot),
		aged:           list.New(),
		agedIndex:      make(map[string]*list.Element),
		logger:         logger.WithComponent("generational"),
		onCollect:      config.OnCollect,
	}, nil
}

// Get implements Tier
func (g *GenerationalTier) Get(ctx context.Context, lookup *Lookup) (Result, error) {
	g.mu.Lock()
	if hs, ok := g.hot[lookup.Identifier]; ok {
		if result := hs.slot.answer(lookup.Etag); result.Answered() {
			g.mu.Unlock()
			return result, nil
		}
	}

	if elem, ok := g.agedIndex[lookup.Identifier]; ok {
		ae := elem.Value.(*agedEntry)
		if !ae.slot.entry.Matches(lookup.Etag) {
			// stale for this caller, but may still match someone else
			g.mu.Unlock()
			return Stale(), nil
		}
		g.aged.Remove(elem)
		delete(g.agedIndex, lookup.Identifier)
		g.setLocked(lookup.Identifier, ae.slot)
		g.mu.Unlock()
		return ae.slot.answer(lookup.Etag), nil
	}
	g.mu.Unlock()

	lookup.OnResult(ctx, func(_ context.Context, payload []byte, found bool) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if found {
			g.setLocked(lookup.Identifier, presentSlot(lookup.Etag, payload))
		} else {
			g.setLocked(lookup.Identifier, tombstoneSlot(lookup.Etag))
		}
	})
	return Unresolved(), nil
}

// Store implements Tier
func (g *GenerationalTier) Store(_ context.Context, identifier string, etag types.Etag, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(identifier, presentSlot(etag, payload))
	return nil
}

// setLocked writes s into the hot map, keeping an existing slot's position.
func (g *GenerationalTier) setLocked(identifier string, s slot) {
	if hs, ok := g.hot[identifier]; ok {
		hs.slot = s
		return
	}
	hs := &hotSlot{key: identifier, slot: s}
	g.hot[identifier] = hs
	g.order = append(g.order, hs)
}

// BuildCompleted runs one collection
func (g *GenerationalTier) BuildCompleted(types.BuildStats) {
	g.Collect()
}

// Collect advances the generation, drops expired aged entries and demotes
// the next round-robin slice of hot entries.
func (g *GenerationalTier) Collect() GCStats {
	g.mu.Lock()
	stats := g.collectLocked()
	g.mu.Unlock()

	if stats.Removed > 0 || stats.Aged > 0 {
		fields := map[string]interface{}{
			"generation": stats.Generation,
			"active":     stats.Active,
			"aged":       stats.Aged,
		}
		msg := fmt.Sprintf("%d active entries, %d recently unused cached entries", stats.Active, stats.Aged)
		if stats.Removed > 0 {
			msg += fmt.Sprintf(", %d old unused cache entries removed e. g. %s", stats.Removed, stats.LastRemove)
			fields["removed"] = stats.Removed
		}
		g.logger.Info(msg, fields)
	}
	if g.onCollect != nil {
		g.onCollect(stats)
	}
	return stats
}

func (g *GenerationalTier) collectLocked() GCStats {
	g.generation++
	stats := GCStats{Generation: g.generation}

	for elem := g.aged.Front(); elem != nil; {
		ae := elem.Value.(*agedEntry)
		if ae.until > g.generation {
			break
		}
		next := elem.Next()
		g.aged.Remove(elem)
		delete(g.agedIndex, ae.key)
		// a store or revive since demotion keeps the hot slot alive
		if hs, ok := g.hot[ae.key]; ok && hs.slot.state == SlotUnknown {
			delete(g.hot, ae.key)
			hs.dead = true
			g.dead++
			stats.Removed++
			stats.LastRemove = ae.key
		}
		elem = next
	}
	g.compactLocked()

	stats.Active = g.activeLocked()
	stats.Aged = g.aged.Len()

	size := len(g.order)
	i := size / g.maxGenerations
	j := g.cursor
	if j >= size {
		j = 0
	}
	g.cursor = j + i

	for _, hs := range g.order {
		if j != 0 {
			j--
			continue
		}
		if hs.slot.state == SlotUnknown {
			continue
		}
		demoted := hs.slot
		hs.slot = slot{}
		if elem, ok := g.agedIndex[hs.key]; ok {
			g.aged.Remove(elem)
		}
		g.agedIndex[hs.key] = g.aged.PushBack(&agedEntry{
			key:   hs.key,
			slot:  demoted,
			until: g.generation + g.maxGenerations,
		})
		stats.Demoted++
		if i == 0 {
			break
		}
		i--
	}
	return stats
}

// compactLocked drops removed slots from the iteration order.
func (g *GenerationalTier) compactLocked() {
	if g.dead == 0 {
		return
	}
	live := g.order[:0]
	for _, hs := range g.order {
		if !hs.dead {
			live = append(live, hs)
		}
	}
	for k := len(live); k < len(g.order); k++ {
		g.order[k] = nil
	}
	g.order = live
	g.dead = 0
}

// Shutdown drops every entry
func (g *GenerationalTier) Shutdown(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hot = make(map[string]*hotSlot)
	g.order = nil
	g.dead = 0
	g.cursor = 0
	g.aged.Init()
	g.agedIndex = make(map[string]*list.Element)
	return nil
}

// Generation returns the number of collections run so far
func (g *GenerationalTier) Generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Len returns the number of hot and aged entries. An identifier stored
// again while its demoted copy is aged counts in both.
func (g *GenerationalTier) Len() (hot, aged int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked(), g.aged.Len()
}

// activeLocked counts hot slots holding an entry or a tombstone.
func (g *GenerationalTier) activeLocked() int {
	n := 0
	for _, hs := range g.hot {
		if hs.slot.state != SlotUnknown {
			n++
		}
	}
	return n
}
