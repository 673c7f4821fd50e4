package cache

import (
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// Favourites is the permanent cache. Entries are added and removed manually
// and never evicted. It keeps no recency order.
type Favourites struct {
	items map[digest.Digest]LeafSet
	size  int64
}

// NewFavourites returns an empty favourites cache.
func NewFavourites() *Favourites {
	return &Favourites{items: make(map[digest.Digest]LeafSet)}
}

// Get returns the favourite stored under id.
func (c *Favourites) Get(id digest.Digest) (LeafSet, bool) {
	set, ok := c.items[id]
	return set, ok
}

// Put stores set under id, replacing any existing entry.
func (c *Favourites) Put(id digest.Digest, set LeafSet) {
	if old, ok := c.items[id]; ok {
		c.size -= old.SizeBytes
	}
	c.items[id] = set
	c.size += set.SizeBytes
}

// Remove deletes the favourite under id and returns it.
func (c *Favourites) Remove(id digest.Digest) (LeafSet, bool) {
	set, ok := c.items[id]
	if !ok {
		return LeafSet{}, false
	}
	delete(c.items, id)
	c.size -= set.SizeBytes
	return set, true
}

// SizeBytes returns the total leaf bytes of all favourites.
func (c *Favourites) SizeBytes() int64 { return c.size }

// Len returns the number of favourites.
func (c *Favourites) Len() int { return len(c.items) }

// IDs returns the favourite record ids in sorted order.
func (c *Favourites) IDs() []digest.Digest {
	return slices.Sorted(maps.Keys(c.items))
}

// WalkPins visits every pin held by the favourites, in record id order.
func (c *Favourites) WalkPins(visit func(digest.Digest)) {
	for _, id := range c.IDs() {
		c.items[id].Pins(visit)
	}
}
