package feedpin

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/opcode"
)

// SetHome replicates the local user's own feed rooted at root. The home
// channel goes through the same sync as followed feeds but has no byte
// budget, so every record is kept.
func (c *Client) SetHome(ctx context.Context, root digest.Digest) error {
	if err := root.Validate(); err != nil {
		return fmt.Errorf("%w: home root: %w", ErrUsage, err)
	}
	return c.runSync(ctx, homeLockKey, func(ctx context.Context) error {
		prev := c.lookup(opcode.HomeKey)
		if prev == nil {
			prev = followee.New(opcode.HomeKey)
		}
		return c.apply(ctx, c.engine(followee.Unlimited), prev, root)
	})
}

// ClearHome releases the home channel. It is a no-op if no home is set.
func (c *Client) ClearHome(ctx context.Context) error {
	return c.runSync(ctx, homeLockKey, func(ctx context.Context) error {
		return c.drop(ctx, opcode.HomeKey)
	})
}

// Home describes the home channel, or returns false if none is set.
func (c *Client) Home() (FolloweeInfo, bool) {
	f := c.lookup(opcode.HomeKey)
	if f == nil {
		return FolloweeInfo{}, false
	}
	return infoOf(f), true
}
