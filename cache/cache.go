// Package cache provides bounded caches of pinned feed records.
//
// Each entry maps a record id to the [LeafSet] it pulls in: the record
// itself plus its optional thumbnail, video and audio leaves. Two variants
// exist: [LRU] for explicit on-demand caching, purged in access order, and
// [Favourites], which is never evicted automatically.
//
// The caches are pure data structures. They perform no network I/O and do
// not pin anything themselves; callers release the ids reported by Remove
// and PurgeToSize through the pin ledger, one release per reference.
package cache

import "github.com/opencontainers/go-digest"

// Cache is the contract shared by both cache variants.
//
// Implementations are not safe for concurrent use. The client state layer
// holds its writer lock around every mutation.
type Cache interface {
	// Get returns the leaf set cached for id.
	Get(id digest.Digest) (LeafSet, bool)

	// Put stores set under id, replacing any previous entry.
	// The running size changes by the difference between the two entries.
	Put(id digest.Digest, set LeafSet)

	// Remove deletes the entry for id and returns it.
	Remove(id digest.Digest) (LeafSet, bool)

	// SizeBytes returns the running total of the cached leaf sizes.
	SizeBytes() int64

	// Len returns the number of entries.
	Len() int

	// WalkPins calls visit once per pinned reference held by the cache.
	// Ids shared by several entries are visited once per entry.
	WalkPins(visit func(digest.Digest))
}

// Interface compliance.
var (
	_ Cache = (*LRU)(nil)
	_ Cache = (*Favourites)(nil)
)
