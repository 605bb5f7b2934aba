package types

import "time"

// Etag is the opaque fingerprint a cached value was computed against.
// Tokens are only ever compared for equality. The zero value means the
// caller supplied no fingerprint.
type Etag string

// NoEtag is the absent fingerprint.
const NoEtag Etag = ""

// Entry is a present cache value: the payload and the fingerprint it was
// stored under.
type Entry struct {
	Etag    Etag   `msgpack:"etag" json:"etag"`
	Payload []byte `msgpack:"payload" json:"payload"`
}

// Matches reports whether the entry was stored under etag.
func (e Entry) Matches(etag Etag) bool {
	return e.Etag == etag
}

// BuildStats describes one completed top-level build.
type BuildStats struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the wall time of the build. A build that ends before it
// starts is reported as zero.
func (s BuildStats) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// IndexEntry describes one persisted entry, as listed by strategies that keep an index.
type IndexEntry struct {
	Identifier string    `msgpack:"identifier" json:"identifier"`
	Etag       Etag      `msgpack:"etag" json:"etag"`
	File       string    `msgpack:"file" json:"file"`
	Size       int64     `msgpack:"size" json:"size"`
	StoredAt   time.Time `msgpack:"stored_at" json:"stored_at"`
}
