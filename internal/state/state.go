// Package state holds the client's pin-owning state behind a single-writer,
// multi-reader lock.
//
// The state comprises the pin ledger, the followee table, the home channel
// and the explicit and favourites caches. Mutations happen inside
// [State.Update]; every mutation is recorded as opcodes and handed to the
// journal when the update returns, whether or not it succeeded, so the log
// always mirrors memory. Reads happen inside [State.View].
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/internal/audit"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/ledger"
	"github.com/meigma/feedpin/internal/opcode"
)

// ErrReplay is returned when a journaled opcode cannot be applied.
var ErrReplay = errors.New("state: opcode does not apply")

// Journal persists opcodes. [opcode.Log] implements it.
type Journal interface {
	Append(ops ...opcode.Op) error
}

// State is the client's in-memory state.
type State struct {
	mu         sync.RWMutex
	ledger     *ledger.Ledger
	followees  map[string]*followee.Followee
	home       *followee.Followee
	explicit   *cache.LRU
	favourites *cache.Favourites
	journal    Journal
	logger     *slog.Logger
}

// Option configures a State.
type Option func(*State)

// WithJournal sets the journal that receives every mutation.
func WithJournal(j Journal) Option {
	return func(s *State) {
		s.journal = j
	}
}

// WithLogger sets the logger. Nil means discard.
func WithLogger(logger *slog.Logger) Option {
	return func(s *State) {
		s.logger = logger
	}
}

// New returns empty state.
func New(opts ...Option) *State {
	s := &State{
		ledger:     ledger.New(),
		followees:  make(map[string]*followee.Followee),
		explicit:   cache.NewLRU(),
		favourites: cache.NewFavourites(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Update runs fn with exclusive access. Opcodes recorded by fn are appended
// to the journal after fn returns. A journal failure is joined with fn's
// error.
func (s *State) Update(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{reader: reader{s: s}}
	err := fn(tx)
	if len(tx.ops) > 0 && s.journal != nil {
		if jerr := s.journal.Append(tx.ops...); jerr != nil {
			s.logger.Error("journal append failed", "ops", len(tx.ops), "error", jerr)
			err = errors.Join(err, fmt.Errorf("journal: %w", jerr))
		}
	}
	return err
}

// View runs fn with shared access. fn must not retain anything it reads.
func (s *State) View(fn func(*View) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&View{reader: reader{s: s}})
}

// Apply replays one journaled opcode without journaling it again.
func (s *State) Apply(op opcode.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op.Kind {
	case opcode.KindPinAdd:
		s.ledger.Add(op.ID)
	case opcode.KindPinRemove:
		s.ledger.Remove(op.ID)
	case opcode.KindFolloweeSet:
		f := s.followee(op.Key)
		if f == nil {
			f = followee.New(op.Key)
		}
		f.Root = op.Meta.Index
		f.Meta = op.Meta
		f.LastPoll = time.Time{}
		if op.PollMillis != 0 {
			f.LastPoll = time.UnixMilli(op.PollMillis)
		}
		s.setFollowee(f)
	case opcode.KindFolloweeDelete:
		s.deleteFollowee(op.Key)
	case opcode.KindElementPut:
		f := s.followee(op.Key)
		if f == nil {
			return fmt.Errorf("%w: %s for unknown followee %q", ErrReplay, op.Kind, op.Key)
		}
		f.Elements[op.Leaf.Record] = op.Leaf
	case opcode.KindElementRemove:
		f := s.followee(op.Key)
		if f == nil {
			return fmt.Errorf("%w: %s for unknown followee %q", ErrReplay, op.Kind, op.Key)
		}
		delete(f.Elements, op.ID)
	case opcode.KindCachePut, opcode.KindCacheRemove, opcode.KindCacheTouch:
		c, err := s.cache(op.Cache)
		if err != nil {
			return err
		}
		switch op.Kind {
		case opcode.KindCachePut:
			c.Put(op.Leaf.Record, op.Leaf)
		case opcode.KindCacheRemove:
			c.Remove(op.ID)
		default:
			if lru, ok := c.(*cache.LRU); ok {
				lru.Touch(op.ID)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrReplay, op.Kind)
	}
	return nil
}

func (s *State) followee(key string) *followee.Followee {
	if key == opcode.HomeKey {
		return s.home
	}
	return s.followees[key]
}

func (s *State) setFollowee(f *followee.Followee) {
	if f.Key == opcode.HomeKey {
		s.home = f
		return
	}
	s.followees[f.Key] = f
}

func (s *State) deleteFollowee(key string) {
	if key == opcode.HomeKey {
		s.home = nil
		return
	}
	delete(s.followees, key)
}

func (s *State) cache(name opcode.CacheName) (cache.Cache, error) {
	switch name {
	case opcode.CacheExplicit:
		return s.explicit, nil
	case opcode.CacheFavourites:
		return s.favourites, nil
	default:
		return nil, fmt.Errorf("%w: unknown cache %d", ErrReplay, name)
	}
}

// reader holds the read-only queries shared by View and Tx.
type reader struct {
	s *State
}

// IsPinned reports whether id has at least one owner.
func (r reader) IsPinned(id digest.Digest) bool { return r.s.ledger.IsPinned(id) }

// PinCount returns the reference count of id.
func (r reader) PinCount(id digest.Digest) uint32 { return r.s.ledger.Count(id) }

// PinnedLen returns the number of distinct pinned ids.
func (r reader) PinnedLen() int { return r.s.ledger.Len() }

// PinnedIDs returns every pinned id in sorted order.
func (r reader) PinnedIDs() []digest.Digest { return r.s.ledger.IDs() }

// Followee returns a copy of the followee stored under key, or nil. The
// home channel is stored under [opcode.HomeKey].
func (r reader) Followee(key string) *followee.Followee {
	if f := r.s.followee(key); f != nil {
		return f.Clone()
	}
	return nil
}

// FolloweeKeys returns the keys of every followee, sorted. The home channel
// is not included.
func (r reader) FolloweeKeys() []string {
	return slices.Sorted(maps.Keys(r.s.followees))
}

// Explicit returns the explicit cache entry for id without touching it.
func (r reader) Explicit(id digest.Digest) (cache.LeafSet, bool) {
	return r.s.explicit.Peek(id)
}

// ExplicitEntries returns the explicit cache from most to least recently
// used.
func (r reader) ExplicitEntries() []cache.LeafSet {
	ids := r.s.explicit.IDs()
	out := make([]cache.LeafSet, 0, len(ids))
	for _, id := range ids {
		set, _ := r.s.explicit.Peek(id)
		out = append(out, set)
	}
	return out
}

// ExplicitBytes returns the running size of the explicit cache.
func (r reader) ExplicitBytes() int64 { return r.s.explicit.SizeBytes() }

// Favourite returns the favourites entry for id.
func (r reader) Favourite(id digest.Digest) (cache.LeafSet, bool) {
	return r.s.favourites.Get(id)
}

// FavouriteEntries returns every favourite, sorted by record id.
func (r reader) FavouriteEntries() []cache.LeafSet {
	ids := r.s.favourites.IDs()
	out := make([]cache.LeafSet, 0, len(ids))
	for _, id := range ids {
		set, _ := r.s.favourites.Get(id)
		out = append(out, set)
	}
	return out
}

// Roots returns every owner of pins for the auditor.
func (r reader) Roots() []audit.Root {
	var roots []audit.Root
	if home := r.s.home; home != nil {
		roots = append(roots, audit.Root{Name: "home", Walk: home.WalkPins})
	}
	for _, key := range r.FolloweeKeys() {
		roots = append(roots, audit.Root{Name: "followee:" + key, Walk: r.s.followees[key].WalkPins})
	}
	return append(roots,
		audit.Root{Name: "explicit", Walk: r.s.explicit.WalkPins},
		audit.Root{Name: "favourites", Walk: r.s.favourites.WalkPins},
	)
}

// View is a read-only handle valid inside [State.View].
type View struct {
	reader
}
