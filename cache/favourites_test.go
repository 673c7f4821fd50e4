package cache

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFavourites(t *testing.T) {
	t.Parallel()

	c := NewFavourites()
	c.Put(id("r1"), leafSet("r1", 7, "t1", "v1", "a1"))
	c.Put(id("r2"), leafSet("r2", 3))
	assert.Equal(t, int64(10), c.SizeBytes())

	got, ok := c.Get(id("r1"))
	require.True(t, ok)
	assert.Equal(t, id("a1"), got.Audio)

	var pins []digest.Digest
	c.WalkPins(func(d digest.Digest) { pins = append(pins, d) })
	assert.Len(t, pins, 5)

	set, ok := c.Remove(id("r1"))
	require.True(t, ok)
	assert.Equal(t, []digest.Digest{id("t1"), id("v1"), id("a1")}, set.Leaves())
	assert.Equal(t, int64(3), c.SizeBytes())
	assert.Equal(t, []digest.Digest{id("r2")}, c.IDs())
}

func TestFavouritesReplace(t *testing.T) {
	t.Parallel()

	c := NewFavourites()
	c.Put(id("r1"), leafSet("r1", 7))
	c.Put(id("r1"), leafSet("r1", 2))
	assert.Equal(t, int64(2), c.SizeBytes())
	assert.Equal(t, 1, c.Len())
}
