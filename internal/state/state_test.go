package state

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/internal/audit"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/opcode"
)

type memJournal struct {
	ops  []opcode.Op
	fail error
}

func (j *memJournal) Append(ops ...opcode.Op) error {
	if j.fail != nil {
		return j.fail
	}
	j.ops = append(j.ops, ops...)
	return nil
}

func id(s string) digest.Digest { return digest.FromString(s) }

func leaf(name string, size int64, published int64) cache.LeafSet {
	return cache.LeafSet{
		Record:    id("record-" + name),
		Thumbnail: id("thumb-" + name),
		SizeBytes: size,
		Published: published,
	}
}

type dump struct {
	pins       map[digest.Digest]uint32
	followees  map[string]*followee.Followee
	home       *followee.Followee
	explicit   []cache.LeafSet
	favourites []cache.LeafSet
}

func dumpOf(t *testing.T, s *State) dump {
	t.Helper()
	d := dump{pins: map[digest.Digest]uint32{}, followees: map[string]*followee.Followee{}}
	require.NoError(t, s.View(func(v *View) error {
		for _, id := range v.PinnedIDs() {
			d.pins[id] = v.PinCount(id)
		}
		for _, key := range v.FolloweeKeys() {
			f := v.Followee(key)
			f.LastPoll = f.LastPoll.Truncate(time.Millisecond)
			d.followees[key] = f
		}
		d.home = v.Followee(opcode.HomeKey)
		d.explicit = v.ExplicitEntries()
		d.favourites = v.FavouriteEntries()
		return nil
	}))
	return d
}

func mutate(t *testing.T, s *State) {
	t.Helper()
	poll := time.UnixMilli(1_700_000_000_123)

	require.NoError(t, s.Update(func(tx *Tx) error {
		f := followee.New("alice")
		f.Root = id("root-1")
		f.Meta = feed.Metadata{Index: f.Root, Description: id("desc"), Records: id("list-1")}
		f.LastPoll = poll
		a, b := leaf("a", 10, 1), leaf("b", 20, 2)
		f.Elements[a.Record] = a
		f.Elements[b.Record] = b
		f.WalkPins(func(id digest.Digest) { tx.AddPin(id) })
		tx.PutFollowee(f)
		return nil
	}))

	require.NoError(t, s.Update(func(tx *Tx) error {
		f := tx.Followee("alice")
		a := f.Elements[id("record-a")]
		delete(f.Elements, a.Record)
		a.Pins(func(id digest.Digest) { tx.RemovePin(id) })
		c := leaf("c", 5, 3)
		f.Elements[c.Record] = c
		c.Pins(func(id digest.Digest) { tx.AddPin(id) })
		tx.AddPin(id("root-2"))
		tx.AddPin(id("list-2"))
		tx.RemovePin(f.Root)
		tx.RemovePin(f.Meta.Records)
		f.Root = id("root-2")
		f.Meta.Index = f.Root
		f.Meta.Records = id("list-2")
		f.LastPoll = poll.Add(time.Minute)
		tx.PutFollowee(f)

		home := followee.New(opcode.HomeKey)
		home.Root = id("home")
		home.Meta = feed.Metadata{Index: home.Root}
		tx.AddPin(home.Root)
		tx.PutFollowee(home)

		bob := followee.New("bob")
		bob.Root = id("bob-root")
		bob.Meta.Index = bob.Root
		tx.PutFollowee(bob)
		return nil
	}))

	require.NoError(t, s.Update(func(tx *Tx) error {
		tx.DeleteFollowee("bob")
		for _, name := range []string{"x", "y", "z"} {
			set := leaf(name, 7, 0)
			set.Pins(func(id digest.Digest) { tx.AddPin(id) })
			tx.PutExplicit(set)
		}
		_, ok := tx.GetExplicit(id("record-x"))
		require.True(t, ok)
		tx.PurgeExplicit(14, func(id digest.Digest) { tx.RemovePin(id) })

		fav := leaf("fav", 3, 0)
		fav.Pins(func(id digest.Digest) { tx.AddPin(id) })
		tx.PutFavourite(fav)
		gone := leaf("gone", 3, 0)
		tx.PutFavourite(gone)
		tx.RemoveFavourite(gone.Record)
		return nil
	}))
}

func TestJournalReplayRebuildsState(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	live := New(WithJournal(j))
	mutate(t, live)

	replayed := New()
	for _, op := range j.ops {
		require.NoError(t, replayed.Apply(op))
	}
	assert.Equal(t, dumpOf(t, live), dumpOf(t, replayed))
}

func TestJournalReplayThroughOpcodeLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.log")
	log, err := opcode.Open(path)
	require.NoError(t, err)
	require.NoError(t, log.Replay(func(opcode.Op) error { return nil }))
	live := New(WithJournal(log))
	mutate(t, live)
	require.NoError(t, log.Close())

	log, err = opcode.Open(path)
	require.NoError(t, err)
	defer log.Close()
	replayed := New()
	require.NoError(t, log.Replay(replayed.Apply))
	assert.Equal(t, dumpOf(t, live), dumpOf(t, replayed))
}

func TestPutFolloweeJournalsOnlyDiff(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	s := New(WithJournal(j))
	f := followee.New("alice")
	f.Root = id("root")
	f.Meta.Index = f.Root
	a := leaf("a", 1, 1)
	f.Elements[a.Record] = a
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutFollowee(f); return nil }))
	require.Len(t, j.ops, 2)

	j.ops = nil
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutFollowee(f); return nil }))
	assert.Empty(t, j.ops, "unchanged followee")

	b := leaf("b", 1, 2)
	f.Elements[b.Record] = b
	require.NoError(t, s.Update(func(tx *Tx) error { tx.PutFollowee(f); return nil }))
	assert.Equal(t, []opcode.Op{{Kind: opcode.KindElementPut, Key: "alice", Leaf: b}}, j.ops)
}

func TestUpdateJournalsFailedUpdates(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	s := New(WithJournal(j))
	err := s.Update(func(tx *Tx) error {
		tx.AddPin(id("a"))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Len(t, j.ops, 1, "in-memory changes are journaled even when fn fails")

	j.fail = errors.New("disk full")
	err = s.Update(func(tx *Tx) error {
		tx.AddPin(id("b"))
		return nil
	})
	assert.ErrorContains(t, err, "disk full")
}

func TestRemovePinOfUnpinnedRecordsNothing(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	s := New(WithJournal(j))
	require.NoError(t, s.Update(func(tx *Tx) error {
		assert.False(t, tx.RemovePin(id("never")))
		return nil
	}))
	assert.Empty(t, j.ops)
}

func TestApplyRejectsOrphanElements(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Apply(opcode.Op{Kind: opcode.KindElementPut, Key: "ghost", Leaf: leaf("a", 1, 1)})
	assert.ErrorIs(t, err, ErrReplay)
	err = s.Apply(opcode.Op{Kind: opcode.KindCachePut, Cache: 9})
	assert.ErrorIs(t, err, ErrReplay)
}

func TestLegacyFollowReplay(t *testing.T) {
	t.Parallel()

	s := New()
	root := id("legacy-root")
	require.NoError(t, s.Apply(opcode.Op{Kind: opcode.KindPinAdd, ID: root}))
	require.NoError(t, s.Apply(opcode.Op{Kind: opcode.KindFolloweeSet, Key: "old", Meta: feed.Metadata{Index: root}}))

	require.NoError(t, s.View(func(v *View) error {
		f := v.Followee("old")
		require.NotNil(t, f)
		assert.Equal(t, root, f.Root)
		assert.True(t, f.LastPoll.IsZero())
		assert.Empty(t, f.Elements)
		return nil
	}))
}

func TestRootsMatchLedgerAfterMutations(t *testing.T) {
	t.Parallel()

	s := New()
	mutate(t, s)
	require.NoError(t, s.Update(func(tx *Tx) error {
		report, err := audit.Run(t.Context(), tx, tx.Roots(), nil, nil)
		require.NoError(t, err)
		assert.False(t, report.Repaired())
		return nil
	}))
}

func TestConcurrentFavouriteSerializes(t *testing.T) {
	t.Parallel()

	s := New()
	set := leaf("shared", 1, 0)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(func(tx *Tx) error {
				if _, ok := tx.Favourite(set.Record); ok {
					return nil
				}
				tx.PutFavourite(set)
				mu.Lock()
				added++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)
}
