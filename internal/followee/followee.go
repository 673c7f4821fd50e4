package followee

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
)

// Followee is the locally replicated state of one followed feed.
type Followee struct {
	Key      string
	Root     digest.Digest
	Meta     feed.Metadata
	LastPoll time.Time

	// Elements maps record ids to the leaves cached for them. Records that
	// were rejected by the budget or whose leaves were unavailable have no
	// entry.
	Elements map[digest.Digest]cache.LeafSet
}

// New returns an empty followee for key.
func New(key string) *Followee {
	return &Followee{Key: key, Elements: make(map[digest.Digest]cache.LeafSet)}
}

// Clone returns a copy that shares nothing mutable with f.
func (f *Followee) Clone() *Followee {
	c := *f
	c.Elements = maps.Clone(f.Elements)
	if c.Elements == nil {
		c.Elements = make(map[digest.Digest]cache.LeafSet)
	}
	return &c
}

// UsageBytes returns the leaf bytes counted across all elements.
func (f *Followee) UsageBytes() int64 {
	var total int64
	for _, set := range f.Elements {
		total += set.SizeBytes
	}
	return total
}

// WalkPins visits every pinned reference owned by the followee: each
// metadata id, then every element's record and leaves.
func (f *Followee) WalkPins(visit func(digest.Digest)) {
	for _, id := range f.Meta.IDs() {
		visit(id)
	}
	for _, set := range f.OldestFirst() {
		set.Pins(visit)
	}
}

// OldestFirst returns the elements ordered by publication time, oldest
// first. Ties are broken by record id so the order is deterministic.
func (f *Followee) OldestFirst() []cache.LeafSet {
	sets := slices.Collect(maps.Values(f.Elements))
	slices.SortFunc(sets, func(a, b cache.LeafSet) int {
		if c := cmp.Compare(a.Published, b.Published); c != 0 {
			return c
		}
		return cmp.Compare(a.Record, b.Record)
	})
	return sets
}

// PollMillis returns LastPoll in unix milliseconds, or 0 if never polled.
func (f *Followee) PollMillis() int64 {
	if f.LastPoll.IsZero() {
		return 0
	}
	return f.LastPoll.UnixMilli()
}
