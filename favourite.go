package feedpin

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/internal/state"
)

// AddFavourite pins the record id and its leaves permanently. Favourites
// are never evicted. Adding a record that is already a favourite fails
// with [ErrUsage].
func (c *Client) AddFavourite(ctx context.Context, id digest.Digest) error {
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: record id: %w", ErrUsage, err)
	}
	return c.runSync(ctx, favouriteLockKey(id), func(ctx context.Context) error {
		if c.isFavourite(id) {
			return fmt.Errorf("%w: %s is already a favourite", ErrUsage, id)
		}
		set, err := c.loadRecord(ctx, id)
		if err != nil {
			return err
		}
		if err := c.pinSet(ctx, set); err != nil {
			return err
		}
		return c.state.Update(func(tx *state.Tx) error {
			tx.PutFavourite(set)
			return nil
		})
	})
}

// RemoveFavourite releases a favourite. Removing a record that is not a
// favourite fails with [ErrUsage].
func (c *Client) RemoveFavourite(ctx context.Context, id digest.Digest) error {
	return c.runSync(ctx, favouriteLockKey(id), func(ctx context.Context) error {
		var (
			set cache.LeafSet
			ok  bool
		)
		err := c.state.Update(func(tx *state.Tx) error {
			set, ok = tx.RemoveFavourite(id)
			return nil
		})
		if !ok {
			return fmt.Errorf("%w: %s is not a favourite", ErrUsage, id)
		}
		return errors.Join(err, c.releaseSet(ctx, set))
	})
}

func (c *Client) isFavourite(id digest.Digest) bool {
	var ok bool
	_ = c.state.View(func(v *state.View) error {
		_, ok = v.Favourite(id)
		return nil
	})
	return ok
}
