/*
Package cache implements the waterfall cache engine: a Bus that dispatches
lookups and stores to an ordered chain of tiers, and the in-memory tiers.

# Waterfall lookups

Tiers register on the bus at a numeric stage. A lookup walks the tiers from
the lowest stage up and stops at the first tier that answers:

	┌──────────────────────────────┐
	│  StageMemory   (-10)         │  MemoryTier / GenerationalTier
	├──────────────────────────────┤
	│  StageDisk      (10)         │  persist.WriteThroughTier / BackgroundTier / IdleTier
	├──────────────────────────────┤
	│  StageNetwork   (20)         │  persist tier over the remote strategy
	└──────────────────────────────┘

An answer is either a payload or a tombstone ("known absent"). A tier that
cannot answer may register a Completion on the Lookup; when a slower tier
answers, or the caller computes the value and calls Resolve, each faster tier
learns the final value and caches it:

	lookup, err := bus.Get(ctx, "module|./src/index.js", etag)
	if err != nil {
		return err
	}
	if !lookup.Resolved() {
		payload := build()
		lookup.Resolve(ctx, payload, true)
	}

Provide wraps this cache-aside sequence.

# Fingerprints

Entries are stored with an opaque Etag. A lookup whose etag differs from the
stored one is answered with a stale tombstone (Result.Stale): slower tiers
are not asked, since they can only hold the same or an older version, and
Provide recomputes the value and stores it on every tier. Tombstones carry
the etag they were computed under, so "computed nothing" is only remembered
for that etag.

# Generational collection

GenerationalTier collects once per completed build. Each collection
advances the generation, drops aged entries whose expiry generation has
passed, and demotes about 1/MaxGenerations of the hot entries (selected
round-robin) into the aged list. Demoted slots stay in the hot map as
SlotUnknown until their aged entry expires, so entries that come back soon
reuse their slot. A lookup that finds a matching aged entry revives it.
*/
package cache
