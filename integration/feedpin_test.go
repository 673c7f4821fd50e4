//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/feedpin"
	"github.com/meigma/feedpin/feed"
)

func TestFollowRefreshUnfollow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, getRegistry(t))
	pub := newPublisher(t, s, "alice")

	thumb := pub.leaf("thumbnail bytes")
	pub.post(feed.Record{Published: 1, Title: "hello", Thumbnail: thumb})
	root := pub.publish()

	c, err := feedpin.New(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Follow(ctx, "alice"))
	info, ok := c.Followee("alice")
	require.True(t, ok)
	assert.Equal(t, root, info.Root)
	require.Len(t, info.Records, 1)
	assert.Equal(t, int64(len("thumbnail bytes")), info.UsageBytes)

	data, err := s.Fetch(ctx, thumb)
	require.NoError(t, err)
	assert.Equal(t, "thumbnail bytes", string(data))

	video := pub.leaf("video bytes")
	pub.post(feed.Record{Published: 2, Title: "clip", Video: []feed.VideoVariant{{Edge: 720, ID: video}}})
	pub.publish()
	require.NoError(t, c.Refresh(ctx, "alice"))
	info, _ = c.Followee("alice")
	assert.Len(t, info.Records, 2)
	assert.True(t, c.IsPinned(video))

	report, err := c.Audit(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repairs())

	require.NoError(t, c.Unfollow(ctx, "alice"))
	assert.Empty(t, c.Pinned())
}

func TestFollowUnknownKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, getRegistry(t))

	c, err := feedpin.New(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.ErrorIs(t, c.Follow(context.Background(), "nobody"), feedpin.ErrKey)
}

func TestJournalSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := getRegistry(t)
	s := newTestStore(t, addr)
	journal := filepath.Join(t.TempDir(), "state.log")

	pub := newPublisher(t, s, "bob")
	rec := pub.post(feed.Record{Published: 1, Audio: pub.leaf("audio bytes")})
	pub.publish()

	c, err := feedpin.New(s, feedpin.WithJournal(journal))
	require.NoError(t, err)
	require.NoError(t, c.Follow(ctx, "bob"))
	require.NoError(t, c.AddFavourite(ctx, rec))
	pinned := c.Pinned()
	require.NoError(t, c.Close())

	c, err = feedpin.New(s, feedpin.WithJournal(journal))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Equal(t, pinned, c.Pinned())
	report, err := c.Audit(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repairs())
	require.Len(t, c.Favourites(), 1)
}
