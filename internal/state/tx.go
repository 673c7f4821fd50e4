package state

import (
	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/opcode"
)

// Tx is a write handle valid inside [State.Update]. Every mutator records
// the opcodes that replay it.
type Tx struct {
	reader
	ops []opcode.Op
}

func (tx *Tx) record(op opcode.Op) {
	tx.ops = append(tx.ops, op)
}

// Ops returns the opcodes recorded so far.
func (tx *Tx) Ops() []opcode.Op { return tx.ops }

// AddPin adds a reference to id. It reports true on the 0->1 transition,
// when the caller must pin id in the store.
func (tx *Tx) AddPin(id digest.Digest) bool {
	tx.record(opcode.Op{Kind: opcode.KindPinAdd, ID: id})
	return tx.s.ledger.Add(id)
}

// RemovePin drops a reference to id. It reports true on the 1->0
// transition, when the caller must unpin id in the store. Removing an id
// with no references records nothing.
func (tx *Tx) RemovePin(id digest.Digest) bool {
	if !tx.s.ledger.IsPinned(id) {
		return false
	}
	tx.record(opcode.Op{Kind: opcode.KindPinRemove, ID: id})
	return tx.s.ledger.Remove(id)
}

// Range iterates the ledger. Together with Add and Remove it lets the
// auditor repair the ledger through the journal.
func (tx *Tx) Range(fn func(id digest.Digest, count uint32) bool) {
	tx.s.ledger.Range(fn)
}

// Add is AddPin under the name the auditor expects.
func (tx *Tx) Add(id digest.Digest) bool { return tx.AddPin(id) }

// Remove is RemovePin under the name the auditor expects.
func (tx *Tx) Remove(id digest.Digest) bool { return tx.RemovePin(id) }

// PutFollowee stores f, replacing the followee with the same key. Only the
// differences from the stored followee are journaled.
func (tx *Tx) PutFollowee(f *followee.Followee) {
	prev := tx.s.followee(f.Key)
	next := f.Clone()

	if prev == nil || prev.Meta != next.Meta || prev.Root != next.Root || !prev.LastPoll.Equal(next.LastPoll) {
		meta := next.Meta
		meta.Index = next.Root
		tx.record(opcode.Op{
			Kind:       opcode.KindFolloweeSet,
			Key:        next.Key,
			Meta:       meta,
			PollMillis: next.PollMillis(),
		})
	}
	if prev != nil {
		for _, set := range prev.OldestFirst() {
			if _, ok := next.Elements[set.Record]; !ok {
				tx.record(opcode.Op{Kind: opcode.KindElementRemove, Key: next.Key, ID: set.Record})
			}
		}
	}
	for _, set := range next.OldestFirst() {
		if prev != nil {
			if old, ok := prev.Elements[set.Record]; ok && old == set {
				continue
			}
		}
		tx.record(opcode.Op{Kind: opcode.KindElementPut, Key: next.Key, Leaf: set})
	}
	tx.s.setFollowee(next)
}

// DeleteFollowee removes the followee stored under key. It reports whether
// one existed.
func (tx *Tx) DeleteFollowee(key string) bool {
	if tx.s.followee(key) == nil {
		return false
	}
	tx.record(opcode.Op{Kind: opcode.KindFolloweeDelete, Key: key})
	tx.s.deleteFollowee(key)
	return true
}

// GetExplicit returns the explicit entry for id and marks it most recently
// used.
func (tx *Tx) GetExplicit(id digest.Digest) (cache.LeafSet, bool) {
	set, ok := tx.s.explicit.Get(id)
	if ok {
		tx.record(opcode.Op{Kind: opcode.KindCacheTouch, Cache: opcode.CacheExplicit, ID: id})
	}
	return set, ok
}

// PutExplicit stores set in the explicit cache.
func (tx *Tx) PutExplicit(set cache.LeafSet) {
	tx.record(opcode.Op{Kind: opcode.KindCachePut, Cache: opcode.CacheExplicit, Leaf: set})
	tx.s.explicit.Put(set.Record, set)
}

// RemoveExplicit removes and returns the explicit entry for id.
func (tx *Tx) RemoveExplicit(id digest.Digest) (cache.LeafSet, bool) {
	set, ok := tx.s.explicit.Remove(id)
	if ok {
		tx.record(opcode.Op{Kind: opcode.KindCacheRemove, Cache: opcode.CacheExplicit, ID: id})
	}
	return set, ok
}

// PurgeExplicit evicts least recently used explicit entries until the
// cache holds at most targetBytes. release is called once per pinned
// reference of each evicted entry. It returns the evicted record ids.
func (tx *Tx) PurgeExplicit(targetBytes int64, release func(digest.Digest)) []digest.Digest {
	evicted := tx.s.explicit.PurgeToSize(targetBytes, release)
	for _, id := range evicted {
		tx.record(opcode.Op{Kind: opcode.KindCacheRemove, Cache: opcode.CacheExplicit, ID: id})
	}
	return evicted
}

// PutFavourite stores set in the favourites cache.
func (tx *Tx) PutFavourite(set cache.LeafSet) {
	tx.record(opcode.Op{Kind: opcode.KindCachePut, Cache: opcode.CacheFavourites, Leaf: set})
	tx.s.favourites.Put(set.Record, set)
}

// RemoveFavourite removes and returns the favourite entry for id.
func (tx *Tx) RemoveFavourite(id digest.Digest) (cache.LeafSet, bool) {
	set, ok := tx.s.favourites.Remove(id)
	if ok {
		tx.record(opcode.Op{Kind: opcode.KindCacheRemove, Cache: opcode.CacheFavourites, ID: id})
	}
	return set, ok
}
