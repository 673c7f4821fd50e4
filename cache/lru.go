package cache

import (
	"container/list"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/internal/budget"
)

// LRU is the explicit (on-demand) cache. Get and Put move an entry to the
// most-recently-used position; PurgeToSize evicts from the other end.
type LRU struct {
	items map[digest.Digest]*list.Element
	order *list.List // front = most recently used
	size  int64
}

type lruEntry struct {
	id  digest.Digest
	set LeafSet
}

// NewLRU returns an empty LRU cache.
func NewLRU() *LRU {
	return &LRU{
		items: make(map[digest.Digest]*list.Element),
		order: list.New(),
	}
}

// Get returns the entry for id and marks it most recently used.
func (c *LRU) Get(id digest.Digest) (LeafSet, bool) {
	el, ok := c.items[id]
	if !ok {
		return LeafSet{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).set, true
}

// Peek returns the entry for id without changing its recency.
func (c *LRU) Peek(id digest.Digest) (LeafSet, bool) {
	el, ok := c.items[id]
	if !ok {
		return LeafSet{}, false
	}
	return el.Value.(*lruEntry).set, true
}

// Touch marks id most recently used without returning it.
func (c *LRU) Touch(id digest.Digest) bool {
	el, ok := c.items[id]
	if ok {
		c.order.MoveToFront(el)
	}
	return ok
}

// Put stores set under id and marks it most recently used.
func (c *LRU) Put(id digest.Digest, set LeafSet) {
	if el, ok := c.items[id]; ok {
		e := el.Value.(*lruEntry)
		c.size += set.SizeBytes - e.set.SizeBytes
		e.set = set
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&lruEntry{id: id, set: set})
	c.size += set.SizeBytes
}

// Remove deletes the entry for id and returns it.
func (c *LRU) Remove(id digest.Digest) (LeafSet, bool) {
	el, ok := c.items[id]
	if !ok {
		return LeafSet{}, false
	}
	e := el.Value.(*lruEntry)
	c.order.Remove(el)
	delete(c.items, id)
	c.size -= e.set.SizeBytes
	return e.set, true
}

// PurgeToSize evicts least recently used entries until the running size is
// at or below targetBytes. onRelease is called once per pinned id of every
// evicted entry, record first. It returns the evicted record ids, oldest
// first.
func (c *LRU) PurgeToSize(targetBytes int64, onRelease func(digest.Digest)) []digest.Digest {
	if c.size <= targetBytes {
		return nil
	}
	candidates := make([]budget.Candidate, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*lruEntry)
		candidates = append(candidates, budget.Candidate{ID: e.id, Size: e.set.SizeBytes})
	}

	evicted := budget.New(targetBytes, c.size).Evict(candidates)
	for _, id := range evicted {
		set, _ := c.Remove(id)
		if onRelease != nil {
			set.Pins(onRelease)
		}
	}
	return evicted
}

// SizeBytes returns the running total of cached leaf sizes.
func (c *LRU) SizeBytes() int64 { return c.size }

// Len returns the number of entries.
func (c *LRU) Len() int { return len(c.items) }

// IDs returns record ids from most to least recently used.
func (c *LRU) IDs() []digest.Digest {
	ids := make([]digest.Digest, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*lruEntry).id)
	}
	return ids
}

// WalkPins visits every pinned reference, least recently used entry first.
func (c *LRU) WalkPins(visit func(digest.Digest)) {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		el.Value.(*lruEntry).set.Pins(visit)
	}
}
