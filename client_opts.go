package feedpin

import (
	"fmt"
	"log/slog"

	"github.com/meigma/feedpin/internal/followee"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the logger for the client and everything it drives.
// Nil means discard.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithConfig replaces the whole configuration. Options applied after it
// adjust the given values.
func WithConfig(cfg Config) Option {
	return func(c *Client) error {
		c.cfg = cfg
		return nil
	}
}

// WithFollowCacheTarget sets the leaf byte budget of each followed feed.
func WithFollowCacheTarget(bytes int64) Option {
	return func(c *Client) error {
		c.cfg.FollowCacheTargetBytes = bytes
		return nil
	}
}

// WithExplicitCacheTarget sets the byte bound of the on-demand cache.
func WithExplicitCacheTarget(bytes int64) Option {
	return func(c *Client) error {
		c.cfg.ExplicitCacheTargetBytes = bytes
		return nil
	}
}

// WithVideoEdgePixelMax sets the largest video variant to pin. Zero means
// no limit.
func WithVideoEdgePixelMax(pixels int) Option {
	return func(c *Client) error {
		c.cfg.VideoEdgePixelMax = pixels
		return nil
	}
}

// WithConcurrency bounds how many records have their leaves pinned at once
// and how many feeds RefreshAll refreshes at once.
func WithConcurrency(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: concurrency must be positive, got %d", ErrUsage, n)
		}
		c.cfg.Concurrency = n
		return nil
	}
}

// WithJournal persists every state change to the opcode log at path. An
// existing log is replayed by New.
func WithJournal(path string) Option {
	return func(c *Client) error {
		if path == "" {
			return fmt.Errorf("%w: empty journal path", ErrUsage)
		}
		c.journalPath = path
		return nil
	}
}

// WithAuditOnStart makes New audit the state after replaying the journal,
// releasing pins an interrupted run left behind. Anything the audit cannot
// repair is logged and does not fail New.
func WithAuditOnStart() Option {
	return func(c *Client) error {
		c.auditOnStart = true
		return nil
	}
}

// withEngineOptions passes options to every sync engine. Tests use it to pin
// the clock and the admission randomness.
func withEngineOptions(opts ...followee.Option) Option {
	return func(c *Client) error {
		c.engineOpts = append(c.engineOpts, opts...)
		return nil
	}
}
