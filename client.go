package feedpin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/keylock"
	"github.com/meigma/feedpin/internal/opcode"
	"github.com/meigma/feedpin/internal/state"
	"github.com/meigma/feedpin/store"
)

// Client replicates followed feeds and cached records from a [store.Store].
//
// Operations on the same feed key run one at a time in submission order;
// operations on different keys run concurrently. A Client is safe for
// concurrent use.
type Client struct {
	store  store.Store
	state  *state.State
	runner *keylock.Runner
	pins   *keylock.Runner
	logger *slog.Logger

	journalPath string
	journal     *opcode.Log

	cfgMu sync.RWMutex
	cfg   Config

	// syncMu is held shared by every operation that pins or releases
	// content and exclusively by Audit, which must only see state at rest.
	syncMu sync.RWMutex

	engineOpts   []followee.Option
	auditOnStart bool
	closed       atomic.Bool
	closeOnce    sync.Once
}

// New creates a client over s.
//
// If [WithJournal] is given, the journal is replayed into the client's state
// before New returns and every later mutation is appended to it. With
// [WithAuditOnStart] the replayed state is then audited; otherwise callers
// should run [Client.Audit] once before relying on the pin ledger.
func New(s store.Store, opts ...Option) (*Client, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", ErrUsage)
	}
	c := &Client{
		store:  s,
		runner: keylock.New(),
		pins:   keylock.New(),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.cfg.validate(); err != nil {
		return nil, err
	}

	if c.journalPath == "" {
		c.state = state.New(state.WithLogger(c.logger))
	} else {
		log, err := opcode.Open(c.journalPath, opcode.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.state = state.New(state.WithJournal(log), state.WithLogger(c.logger))
		if err := log.Replay(c.state.Apply); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		c.journal = log
	}

	if c.auditOnStart {
		if _, err := c.Audit(context.Background()); err != nil {
			c.log().Warn("startup audit incomplete", "error", err)
		}
	}
	return c, nil
}

// Close rejects new operations with [ErrClosed], resolves queued ones with
// [ErrShutdown], waits for running ones and closes the journal. Queries keep
// working after Close.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.runner.Close()
		// A running Audit still appends to the journal.
		c.syncMu.Lock()
		defer c.syncMu.Unlock()
		if c.journal != nil {
			err = c.journal.Close()
		}
	})
	return err
}

// Config returns the current configuration.
func (c *Client) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// SetConfig replaces the configuration. A lower follow budget takes effect
// on each feed's next refresh, a lower explicit budget on the next
// CacheRecord.
func (c *Client) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
	return nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// engine returns a sync engine for the current configuration. target
// overrides the follow budget when non-zero.
func (c *Client) engine(target int64) *followee.Engine {
	cfg := c.Config()
	if target == 0 {
		target = cfg.FollowCacheTargetBytes
	}
	opts := append([]followee.Option{followee.WithLogger(c.logger)}, c.engineOpts...)
	return followee.NewEngine(support{c}, followee.Config{
		TargetBytes:       target,
		VideoEdgePixelMax: cfg.VideoEdgePixelMax,
		Concurrency:       cfg.Concurrency,
	}, opts...)
}

// pin adds a reference to id, pinning it in the store on the first
// reference. The network call runs outside the state lock; pin and release
// of one id are serialized so a reference is only counted once the store
// holds the content.
func (c *Client) pin(ctx context.Context, id digest.Digest) error {
	return c.pins.Do(ctx, id.String(), func(ctx context.Context) error {
		if c.pinCount(id) == 0 {
			if err := c.store.Pin(ctx, id); err != nil {
				return fmt.Errorf("pin %s: %w", id, err)
			}
		}
		return c.state.Update(func(tx *state.Tx) error {
			tx.AddPin(id)
			return nil
		})
	})
}

// release drops a reference to id, unpinning it in the store with the last
// reference. If the store fails the reference is kept.
func (c *Client) release(ctx context.Context, id digest.Digest) error {
	return c.pins.Do(ctx, id.String(), func(ctx context.Context) error {
		switch c.pinCount(id) {
		case 0:
			return nil
		case 1:
			if err := c.store.Unpin(ctx, id); err != nil {
				return fmt.Errorf("unpin %s: %w", id, err)
			}
		}
		return c.state.Update(func(tx *state.Tx) error {
			tx.RemovePin(id)
			return nil
		})
	})
}

func (c *Client) pinCount(id digest.Digest) uint32 {
	var n uint32
	_ = c.state.View(func(v *state.View) error {
		n = v.PinCount(id)
		return nil
	})
	return n
}

// pinSet pins the record and every leaf of set. On failure the pins already
// made are released and the pin error is returned.
func (c *Client) pinSet(ctx context.Context, set cache.LeafSet) error {
	var pinned []digest.Digest
	var err error
	set.Pins(func(id digest.Digest) {
		if err != nil {
			return
		}
		if err = c.pin(ctx, id); err == nil {
			pinned = append(pinned, id)
		}
	})
	if err == nil {
		return nil
	}
	unwind := context.WithoutCancel(ctx)
	for _, id := range slices.Backward(pinned) {
		if rerr := c.release(unwind, id); rerr != nil {
			c.log().Warn("unwind release failed", "id", id, "error", rerr)
		}
	}
	return err
}

// releaseAll releases every id in turn. Failures are joined and wrapped in
// ErrIncompleteRelease.
func (c *Client) releaseAll(ctx context.Context, ids []digest.Digest) error {
	var errs []error
	for _, id := range ids {
		if err := c.release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return incomplete(errs)
}

// releaseSet releases every pin of set.
func (c *Client) releaseSet(ctx context.Context, set cache.LeafSet) error {
	var ids []digest.Digest
	set.Pins(func(id digest.Digest) { ids = append(ids, id) })
	return c.releaseAll(ctx, ids)
}

func incomplete(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIncompleteRelease, errors.Join(errs...))
}

// gc asks the store to compact. Failures are only logged.
func (c *Client) gc(ctx context.Context) {
	if err := c.store.GC(context.WithoutCancel(ctx)); err != nil {
		c.log().Warn("store gc failed", "error", err)
	}
}

// support adapts the client to the sync engine.
type support struct {
	c *Client
}

func (s support) Fetch(ctx context.Context, id digest.Digest) ([]byte, error) {
	return s.c.store.Fetch(ctx, id)
}

func (s support) SizeOf(ctx context.Context, id digest.Digest) (int64, error) {
	return s.c.store.SizeOf(ctx, id)
}

func (s support) Pin(ctx context.Context, id digest.Digest) error {
	return s.c.pin(ctx, id)
}

func (s support) Release(ctx context.Context, id digest.Digest) error {
	return s.c.release(ctx, id)
}
