package feedpin

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/internal/state"
)

// CacheRecord pins the record id and all of its leaves into the on-demand
// cache, evicting least recently used entries to stay within
// Config.ExplicitCacheTargetBytes. The record just cached is always kept.
// Caching a record that is already cached only marks it as recently used.
func (c *Client) CacheRecord(ctx context.Context, id digest.Digest) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: record id: %w", ErrUsage, err)
	}
	return c.runSync(ctx, explicitLockKey, func(ctx context.Context) error {
		if c.touchExplicit(id) {
			return nil
		}
		set, err := c.loadRecord(ctx, id)
		if err != nil {
			return err
		}
		if err := c.pinSet(ctx, set); err != nil {
			return err
		}

		target := c.Config().ExplicitCacheTargetBytes
		var evicted, released []digest.Digest
		err = c.state.Update(func(tx *state.Tx) error {
			evicted = tx.PurgeExplicit(max(0, target-set.SizeBytes), func(pin digest.Digest) {
				released = append(released, pin)
			})
			tx.PutExplicit(set)
			return nil
		})
		rerr := c.releaseAll(ctx, released)
		if len(evicted) > 0 {
			c.log().Debug("explicit cache purged", "record", id.String(), "evicted", len(evicted))
			c.gc(ctx)
		}
		return errors.Join(err, rerr)
	})
}

// PurgeExplicit empties the on-demand cache and releases its pins.
func (c *Client) PurgeExplicit(ctx context.Context) error {
	return c.runSync(ctx, explicitLockKey, func(ctx context.Context) error {
		var evicted, released []digest.Digest
		err := c.state.Update(func(tx *state.Tx) error {
			evicted = tx.PurgeExplicit(0, func(pin digest.Digest) {
				released = append(released, pin)
			})
			return nil
		})
		rerr := c.releaseAll(ctx, released)
		if len(evicted) > 0 {
			c.gc(ctx)
		}
		return errors.Join(err, rerr)
	})
}

func (c *Client) touchExplicit(id digest.Digest) bool {
	var hit bool
	_ = c.state.Update(func(tx *state.Tx) error {
		_, hit = tx.GetExplicit(id)
		return nil
	})
	return hit
}

// loadRecord fetches the record id and sizes the leaves it would pin. Any
// failure is returned: a record cached on request must be complete.
func (c *Client) loadRecord(ctx context.Context, id digest.Digest) (cache.LeafSet, error) {
	size, err := c.store.SizeOf(ctx, id)
	if err != nil {
		return cache.LeafSet{}, fmt.Errorf("size record %s: %w", id, err)
	}
	if err := feed.CheckSize(feed.KindRecord, size); err != nil {
		return cache.LeafSet{}, fmt.Errorf("record %s: %w", id, err)
	}
	data, err := c.store.Fetch(ctx, id)
	if err != nil {
		return cache.LeafSet{}, fmt.Errorf("fetch record %s: %w", id, err)
	}
	rec, err := feed.DecodeRecord(data)
	if err != nil {
		return cache.LeafSet{}, fmt.Errorf("record %s: %w", id, err)
	}

	leaves := rec.Leaves(c.Config().VideoEdgePixelMax)
	set := cache.LeafSet{
		Record:    id,
		Thumbnail: leaves.Thumbnail,
		Video:     leaves.Video,
		Audio:     leaves.Audio,
		Published: rec.Published,
	}
	for _, leaf := range set.Leaves() {
		n, err := c.store.SizeOf(ctx, leaf)
		if err != nil {
			return cache.LeafSet{}, fmt.Errorf("size leaf %s: %w", leaf, err)
		}
		set.SizeBytes += n
	}
	return set, nil
}
