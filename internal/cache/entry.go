package cache

import "github.com/bundlecache/bundlecache/pkg/types"

// SlotState is the observable state of an identifier in a memory tier.
type SlotState int

const (
	// SlotUnknown means nothing is known about the identifier. The
	// generational tier also uses it for slots whose entry was demoted.
	SlotUnknown SlotState = iota
	// SlotTombstone means the identifier was looked up and confirmed absent.
	SlotTombstone
	// SlotPresent means an entry is held.
	SlotPresent
)

func (s SlotState) String() string {
	switch s {
	case SlotUnknown:
		return "unknown"
	case SlotTombstone:
		return "tombstone"
	case SlotPresent:
		return "present"
	default:
		return "invalid"
	}
}

type slot struct {
	state SlotState
	entry types.Entry
}

func presentSlot(etag types.Etag, payload []byte) slot {
	return slot{state: SlotPresent, entry: types.Entry{Etag: etag, Payload: payload}}
}

// tombstoneSlot records that the value for etag was computed as absent.
func tombstoneSlot(etag types.Etag) slot {
	return slot{state: SlotTombstone, entry: types.Entry{Etag: etag}}
}

// answer is what a memory slot yields for a lookup with etag. A fingerprint
// mismatch is a stale tombstone, not a fall-through.
func (s slot) answer(etag types.Etag) Result {
	switch s.state {
	case SlotTombstone:
		if s.entry.Matches(etag) {
			return Tombstone()
		}
		return Stale()
	case SlotPresent:
		if s.entry.Matches(etag) {
			return Present(s.entry.Payload)
		}
		return Stale()
	default:
		return Unresolved()
	}
}

// ResultState says whether a tier answered a lookup and how.
type ResultState int

const (
	ResultUnresolved ResultState = iota
	ResultTombstone
	ResultPresent
)

func (s ResultState) String() string {
	switch s {
	case ResultUnresolved:
		return "unresolved"
	case ResultTombstone:
		return "tombstone"
	case ResultPresent:
		return "present"
	default:
		return "invalid"
	}
}

// Result is a tier's answer to a lookup.
type Result struct {
	State   ResultState
	Payload []byte
	// Stale marks a tombstone caused by a fingerprint mismatch: the tier
	// holds an entry for another etag, so slower tiers are not asked, but
	// the caller still has to compute the value.
	Stale bool
}

// Present answers a lookup with payload.
func Present(payload []byte) Result {
	return Result{State: ResultPresent, Payload: payload}
}

// Tombstone answers a lookup with "known absent".
func Tombstone() Result {
	return Result{State: ResultTombstone}
}

// Stale answers a lookup whose etag differs from the one held.
func Stale() Result {
	return Result{State: ResultTombstone, Stale: true}
}

// Unresolved is returned by tiers that cannot answer.
func Unresolved() Result {
	return Result{}
}

// Answered reports whether the result stops the waterfall.
func (r Result) Answered() bool {
	return r.State != ResultUnresolved
}
