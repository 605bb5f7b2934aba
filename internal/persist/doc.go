/*
Package persist provides the disk tiers: cache.Tier implementations that
wrap a types.Strategy and decide when entries reach durable storage.

	WriteThroughTier  every store is persisted before Store returns
	BackgroundTier    stores start immediately and are awaited at checkpoints
	IdleTier          stores are queued and flushed in batches once the
	                  build process has been idle for a while

All three restore on lookup and, on a miss, register a completion that
persists the value the build computes. Checkpoints (BeginIdle and Shutdown)
call the strategy's AfterAllStored so it can write its index.

Failures of writes made in the background are logged at warn level and never
abort a build. Shutdown returns the error of its final checkpoint, so the
caller decides whether a failed flush matters.
*/
package persist
