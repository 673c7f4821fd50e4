package feedpin

import (
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/state"
)

// CachedRecord describes one cached record and the leaves pinned for it.
type CachedRecord = cache.LeafSet

// FolloweeInfo describes the local replica of one feed.
type FolloweeInfo struct {
	Key      string
	Root     digest.Digest
	Meta     feed.Metadata
	LastPoll time.Time

	// Records are the cached records, newest first.
	Records []CachedRecord

	// UsageBytes is the leaf bytes counted against the follow budget.
	UsageBytes int64
}

func infoOf(f *followee.Followee) FolloweeInfo {
	records := f.OldestFirst()
	slices.Reverse(records)
	return FolloweeInfo{
		Key:        f.Key,
		Root:       f.Root,
		Meta:       f.Meta,
		LastPoll:   f.LastPoll,
		Records:    records,
		UsageBytes: f.UsageBytes(),
	}
}

// Followees returns every followed feed ordered by key.
func (c *Client) Followees() []FolloweeInfo {
	var out []FolloweeInfo
	_ = c.state.View(func(v *state.View) error {
		for _, key := range v.FolloweeKeys() {
			out = append(out, infoOf(v.Followee(key)))
		}
		return nil
	})
	return out
}

// Followee describes the feed followed under key, or returns false if key
// is not followed.
func (c *Client) Followee(key string) (FolloweeInfo, bool) {
	if key == "" {
		return FolloweeInfo{}, false
	}
	f := c.lookup(key)
	if f == nil {
		return FolloweeInfo{}, false
	}
	return infoOf(f), true
}

// IsPinned reports whether anything owns a pin on id.
func (c *Client) IsPinned(id digest.Digest) bool {
	var ok bool
	_ = c.state.View(func(v *state.View) error {
		ok = v.IsPinned(id)
		return nil
	})
	return ok
}

// PinCount returns how many owners reference id.
func (c *Client) PinCount(id digest.Digest) uint32 {
	var n uint32
	_ = c.state.View(func(v *state.View) error {
		n = v.PinCount(id)
		return nil
	})
	return n
}

// Pinned returns every pinned id in sorted order.
func (c *Client) Pinned() []digest.Digest {
	var ids []digest.Digest
	_ = c.state.View(func(v *state.View) error {
		ids = v.PinnedIDs()
		return nil
	})
	return ids
}

// Explicit returns the on-demand cache from most to least recently used,
// and its total leaf bytes.
func (c *Client) Explicit() ([]CachedRecord, int64) {
	var (
		records []CachedRecord
		size    int64
	)
	_ = c.state.View(func(v *state.View) error {
		records = v.ExplicitEntries()
		size = v.ExplicitBytes()
		return nil
	})
	return records, size
}

// Favourites returns every favourite ordered by record id.
func (c *Client) Favourites() []CachedRecord {
	var records []CachedRecord
	_ = c.state.View(func(v *state.View) error {
		records = v.FavouriteEntries()
		return nil
	})
	return records
}
