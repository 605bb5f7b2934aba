package types

import "context"

// Strategy persists cache entries outside the process. The disk tiers wrap a
// Strategy and decide when its methods run; the Strategy decides how.
type Strategy interface {
	// Store durably records payload under identifier and etag.
	Store(ctx context.Context, identifier string, etag Etag, payload []byte) error

	// Restore returns the payload stored under identifier when it was stored
	// with the same etag. found is false for unknown identifiers and for
	// fingerprint mismatches alike.
	Restore(ctx context.Context, identifier string, etag Etag) (payload []byte, found bool, err error)

	// AfterAllStored is called once a batch of stores has settled, so the
	// strategy can write indexes or otherwise checkpoint.
	AfterAllStored(ctx context.Context) error
}

// BuildDependencyStorer is implemented by strategies that record the list of
// files the build itself depends on.
type BuildDependencyStorer interface {
	StoreBuildDependencies(ctx context.Context, deps []string) error
}

// Resetter is implemented by strategies holding internal indexes that should
// be dropped on shutdown.
type Resetter interface {
	Clear()
}

// Lister is implemented by strategies that can enumerate what they hold.
type Lister interface {
	Entries(ctx context.Context) ([]IndexEntry, error)
}
