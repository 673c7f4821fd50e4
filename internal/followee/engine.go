// Package followee keeps a bounded local replica of followed feeds in sync.
//
// The [Engine] compares a followee's previous root with a newly resolved one
// and issues the minimal set of pins and releases: metadata objects whose
// ids changed are pinned new-before-old, removed records are released, and
// newly published records are fetched and admitted within a byte budget.
//
// Failures at the metadata layer (index, description, recommendations,
// record list, and each added record object) abort the refresh and unwind
// every pin it made. Failures fetching a record's leaves only drop that
// record for the current refresh.
package followee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/internal/budget"
)

// ErrIncompleteRelease is returned alongside an updated followee when the
// new state was reached but one or more releases failed. The affected ids
// stay in the pin ledger until the next audit repairs them.
var ErrIncompleteRelease = errors.New("followee: incomplete release")

// Unlimited is a target that admits every record.
const Unlimited int64 = math.MaxInt64

// Support is the set of operations the engine needs from its caller.
//
// Pin and Release are logical: they update the pin ledger and only reach
// the network on a 0->1 or 1->0 transition. Each call accounts for exactly
// one reference.
type Support interface {
	Fetch(ctx context.Context, id digest.Digest) ([]byte, error)
	SizeOf(ctx context.Context, id digest.Digest) (int64, error)
	Pin(ctx context.Context, id digest.Digest) error
	Release(ctx context.Context, id digest.Digest) error
}

// Config bounds what the engine replicates per followee.
type Config struct {
	// TargetBytes is the leaf byte budget per followee.
	TargetBytes int64

	// VideoEdgePixelMax selects the largest video variant to fetch.
	// Zero means no limit.
	VideoEdgePixelMax int

	// Concurrency bounds how many records have their leaves pinned at once.
	// Values <= 0 mean 1.
	Concurrency int
}

// Engine runs followee refreshes. It is stateless between calls and safe
// for concurrent use as long as Support is; callers serialize refreshes of
// the same followee.
type Engine struct {
	support    Support
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	budgetOpts []budget.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Nil means discard.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source used for LastPoll.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithBudgetOptions passes options to every budget the engine creates.
func WithBudgetOptions(opts ...budget.Option) Option {
	return func(e *Engine) {
		e.budgetOpts = append(e.budgetOpts, opts...)
	}
}

// NewEngine creates an engine.
func NewEngine(support Support, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		support: support,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = 1
	}
	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Refresh brings prev up to date with newRoot and returns the new state.
//
// An empty newRoot unfollows: every pin owned by prev is released and the
// returned followee is nil. An unchanged root only re-applies the budget.
// On a fatal error the returned followee is nil and every pin made by this
// call has been released. When the returned error wraps
// [ErrIncompleteRelease] the returned followee is still the new state and
// must be committed.
func (e *Engine) Refresh(ctx context.Context, prev *Followee, newRoot digest.Digest) (*Followee, error) {
	if newRoot == "" {
		return nil, e.Unfollow(ctx, prev)
	}
	// A followee restored from a legacy journal knows its root but not its
	// metadata; it takes the full path to rebuild them.
	if prev.Root == newRoot && prev.Meta.Records != "" {
		return e.rebalance(ctx, prev)
	}
	r := &refresh{
		engine: e,
		prev:   prev,
		next:   prev.Clone(),
		log:    e.log().With("feed", prev.Key, "root", newRoot.String()),
	}
	return r.run(ctx, newRoot)
}

// Unfollow releases every pin owned by f. It needs no network reads.
// Release failures are joined and wrapped in [ErrIncompleteRelease].
func (e *Engine) Unfollow(ctx context.Context, f *Followee) error {
	if f == nil {
		return nil
	}
	var ids []digest.Digest
	f.WalkPins(func(id digest.Digest) { ids = append(ids, id) })

	var errs []error
	for _, id := range ids {
		if err := e.support.Release(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	e.log().Debug("unfollowed", "feed", f.Key, "released", len(ids), "failed", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrIncompleteRelease, errors.Join(errs...))
	}
	return nil
}

// rebalance evicts elements until the followee fits its budget again.
// It never pins and never reads from the network.
func (e *Engine) rebalance(ctx context.Context, prev *Followee) (*Followee, error) {
	next := prev.Clone()
	next.LastPoll = e.now()

	b := budget.New(e.cfg.TargetBytes, next.UsageBytes(), e.budgetOpts...)
	if !b.OverBudget() {
		return next, nil
	}
	evicted := evictOldest(b, next, "")

	var errs []error
	for _, set := range evicted {
		set.Pins(func(id digest.Digest) {
			if err := e.support.Release(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", id, err))
			}
		})
	}
	e.log().Debug("rebalanced followee", "feed", prev.Key, "evicted", len(evicted), "usage", next.UsageBytes())
	if len(errs) > 0 {
		return next, fmt.Errorf("%w: %w", ErrIncompleteRelease, errors.Join(errs...))
	}
	return next, nil
}
