package feedpin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/opcode"
	"github.com/meigma/feedpin/internal/state"
)

// Lock keys. Feed keys and favourite ids are queued under a prefix so they
// can never collide with the fixed keys.
const (
	homeLockKey     = "home"
	explicitLockKey = "explicit"
)

func feedLockKey(key string) string { return "feed:" + key }

func favouriteLockKey(id digest.Digest) string { return "favourite:" + id.String() }

// Follow starts following key: the feed is resolved, its metadata pinned
// and as many of its newest records as fit the follow budget are cached.
// Following a key that is already followed refreshes it.
func (c *Client) Follow(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty feed key", ErrUsage)
	}
	return c.runSync(ctx, feedLockKey(key), func(ctx context.Context) error {
		return c.syncFeed(ctx, key, true)
	})
}

// Refresh resolves key again and applies the difference to the local
// replica. If the feed did not change only the budget is re-applied.
func (c *Client) Refresh(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty feed key", ErrUsage)
	}
	return c.runSync(ctx, feedLockKey(key), func(ctx context.Context) error {
		return c.syncFeed(ctx, key, false)
	})
}

// RefreshAll refreshes every followed feed, up to Config.Concurrency at a
// time. Every feed is attempted; the failures are joined.
func (c *Client) RefreshAll(ctx context.Context) error {
	var keys []string
	_ = c.state.View(func(v *state.View) error {
		keys = v.FolloweeKeys()
		return nil
	})

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(max(1, c.Config().Concurrency))
	for _, key := range keys {
		g.Go(func() error {
			err := c.Refresh(ctx, key)
			// Unfollowed since the keys were listed.
			if errors.Is(err, ErrUsage) {
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("refresh %q: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Unfollow releases everything pinned for key and forgets it. Release
// failures are reported with [ErrIncompleteRelease]; the feed is forgotten
// regardless.
func (c *Client) Unfollow(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty feed key", ErrUsage)
	}
	return c.runSync(ctx, feedLockKey(key), func(ctx context.Context) error {
		return c.drop(ctx, key)
	})
}

// runSync runs fn in lockKey's queue while holding off Audit.
func (c *Client) runSync(ctx context.Context, lockKey string, fn func(context.Context) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.runner.Do(ctx, lockKey, func(ctx context.Context) error {
		c.syncMu.RLock()
		defer c.syncMu.RUnlock()
		return fn(ctx)
	})
}

func (c *Client) syncFeed(ctx context.Context, key string, follow bool) error {
	prev := c.lookup(key)
	if prev == nil {
		if !follow {
			return fmt.Errorf("%w: %q is not followed", ErrUsage, key)
		}
		prev = followee.New(key)
	}

	root, err := c.store.Resolve(ctx, key)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", key, err)
	}
	return c.apply(ctx, c.engine(0), prev, root)
}

// apply runs one engine refresh and commits its result. A fatal engine
// error leaves the stored followee untouched.
func (c *Client) apply(ctx context.Context, e *followee.Engine, prev *followee.Followee, root digest.Digest) error {
	next, err := e.Refresh(ctx, prev, root)
	if next == nil {
		return err
	}
	cerr := c.state.Update(func(tx *state.Tx) error {
		tx.PutFollowee(next)
		return nil
	})
	c.log().Debug("followee committed",
		"feed", next.Key, "root", next.Root.String(),
		"elements", len(next.Elements), "bytes", next.UsageBytes())
	return errors.Join(err, cerr)
}

// drop releases the followee stored under key and deletes it.
func (c *Client) drop(ctx context.Context, key string) error {
	prev := c.lookup(key)
	if prev == nil {
		if key == opcode.HomeKey {
			return nil
		}
		return fmt.Errorf("%w: %q is not followed", ErrUsage, key)
	}
	err := c.engine(0).Unfollow(ctx, prev)
	cerr := c.state.Update(func(tx *state.Tx) error {
		tx.DeleteFollowee(key)
		return nil
	})
	c.gc(ctx)
	return errors.Join(err, cerr)
}

func (c *Client) lookup(key string) *followee.Followee {
	var f *followee.Followee
	_ = c.state.View(func(v *state.View) error {
		f = v.Followee(key)
		return nil
	})
	return f
}
