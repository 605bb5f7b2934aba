/*
Package types defines the data model shared by every bundlecache package: the
opaque Etag fingerprint, present entries, build statistics, and the
persistence Strategy contract the disk tiers are built on.

# Persistence strategies

A Strategy is the narrow interface between the cache engine and durable
storage. The engine never inspects payloads; it only hands bytes to Store and
asks for them back from Restore with the fingerprint it expects:

	type Strategy interface {
		Store(ctx context.Context, identifier string, etag Etag, payload []byte) error
		Restore(ctx context.Context, identifier string, etag Etag) ([]byte, bool, error)
		AfterAllStored(ctx context.Context) error
	}

Strategies may additionally implement BuildDependencyStorer, Resetter and
Lister. The disk tiers check for these with type assertions:

	if r, ok := strategy.(types.Resetter); ok {
		r.Clear()
	}

Two implementations ship with the module: the pack strategy in
internal/storage/pack (files on a go-billy filesystem) and the remote
strategy in internal/storage/remote (Redis).
*/
package types
