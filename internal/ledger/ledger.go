// Package ledger tracks how many logical owners hold a pin on each content id.
//
// The ledger is pure bookkeeping. It performs no I/O; callers use the
// transition flags returned by Add and Remove to decide when a real pin or
// unpin must be sent to the store.
package ledger

import (
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// Ledger maps content ids to reference counts.
// Entries are deleted when their count reaches zero.
//
// A Ledger is not safe for concurrent use; the state layer serializes access.
type Ledger struct {
	counts map[digest.Digest]uint32
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{counts: make(map[digest.Digest]uint32)}
}

// Add records one more owner of id.
// It reports true when the entry went from absent to 1, which is the only
// case in which the caller must issue a network pin.
func (l *Ledger) Add(id digest.Digest) (mustPin bool) {
	n := l.counts[id]
	l.counts[id] = n + 1
	return n == 0
}

// Remove drops one owner of id and deletes the entry at zero.
// It reports true when the entry went from 1 to absent. Removing an id that
// is not present is a no-op and reports false.
func (l *Ledger) Remove(id digest.Digest) (mustUnpin bool) {
	n, ok := l.counts[id]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(l.counts, id)
		return true
	}
	l.counts[id] = n - 1
	return false
}

// IsPinned reports whether id has at least one owner.
func (l *Ledger) IsPinned(id digest.Digest) bool {
	return l.counts[id] > 0
}

// Count returns the number of owners of id.
func (l *Ledger) Count(id digest.Digest) uint32 {
	return l.counts[id]
}

// Len returns the number of distinct pinned ids.
func (l *Ledger) Len() int {
	return len(l.counts)
}

// Range calls fn for every entry until fn returns false.
// The iteration order is unspecified. fn must not mutate the ledger.
func (l *Ledger) Range(fn func(id digest.Digest, count uint32) bool) {
	for id, n := range l.counts {
		if !fn(id, n) {
			return
		}
	}
}

// IDs returns the pinned ids in sorted order.
func (l *Ledger) IDs() []digest.Digest {
	return slices.Sorted(maps.Keys(l.counts))
}

// Snapshot returns an independent copy of the ledger.
// Mutating the snapshot never affects l and vice versa.
func (l *Ledger) Snapshot() *Ledger {
	return &Ledger{counts: maps.Clone(l.counts)}
}
