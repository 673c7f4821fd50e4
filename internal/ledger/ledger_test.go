package ledger

import (
	"math/rand/v2"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveTransitions(t *testing.T) {
	t.Parallel()

	l := New()
	id := digest.FromString("a")

	assert.True(t, l.Add(id), "first add must pin")
	assert.False(t, l.Add(id), "second add must not pin")
	assert.Equal(t, uint32(2), l.Count(id))

	assert.False(t, l.Remove(id), "remove with another owner must not unpin")
	assert.True(t, l.IsPinned(id))
	assert.True(t, l.Remove(id), "last remove must unpin")
	assert.False(t, l.IsPinned(id))
	assert.Equal(t, 0, l.Len(), "entry must be deleted at zero")
}

func TestRemoveAbsent(t *testing.T) {
	t.Parallel()

	l := New()
	assert.False(t, l.Remove(digest.FromString("missing")))
	assert.Equal(t, 0, l.Len())
}

func TestRefcountMatchesOperationHistory(t *testing.T) {
	t.Parallel()

	ids := []digest.Digest{
		digest.FromString("x"),
		digest.FromString("y"),
		digest.FromString("z"),
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 50 {
		l := New()
		adds := make(map[digest.Digest]int)
		removes := make(map[digest.Digest]int)
		pins := make(map[digest.Digest]int)
		unpins := make(map[digest.Digest]int)

		for range 200 {
			id := ids[rng.IntN(len(ids))]
			if rng.IntN(2) == 0 {
				adds[id]++
				if l.Add(id) {
					pins[id]++
				}
				continue
			}
			// Only remove what has been added; removal of absent ids is a no-op.
			if adds[id] > removes[id] {
				removes[id]++
				if l.Remove(id) {
					unpins[id]++
				}
			}
		}

		for _, id := range ids {
			want := adds[id] > removes[id]
			require.Equal(t, want, l.IsPinned(id), "round %d id %s", round, id)
			require.Equal(t, uint32(adds[id]-removes[id]), l.Count(id))
			// Every 1->0 transition is preceded by exactly one 0->1 transition.
			diff := pins[id] - unpins[id]
			if want {
				require.Equal(t, 1, diff)
			} else {
				require.Equal(t, 0, diff)
			}
		}
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	t.Parallel()

	l := New()
	a := digest.FromString("a")
	b := digest.FromString("b")
	l.Add(a)

	snap := l.Snapshot()
	snap.Add(b)
	snap.Remove(a)

	assert.True(t, l.IsPinned(a))
	assert.False(t, l.IsPinned(b))
	assert.False(t, snap.IsPinned(a))
	assert.True(t, snap.IsPinned(b))

	l.Add(b)
	assert.Equal(t, uint32(1), snap.Count(b))
}

func TestIDsSorted(t *testing.T) {
	t.Parallel()

	l := New()
	for _, s := range []string{"c", "a", "b"} {
		l.Add(digest.FromString(s))
	}
	ids := l.IDs()
	require.Len(t, ids, 3)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}
