package followee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/internal/budget"
)

// refresh holds the working state of one Refresh call.
type refresh struct {
	engine *Engine
	prev   *Followee
	next   *Followee
	log    *slog.Logger

	// pinned lists the metadata and record ids pinned by this call, in
	// order, so a fatal error can release them.
	pinned []digest.Digest
}

// pending is an added record on its way into the cache.
type pending struct {
	id     digest.Digest
	record *feed.Record
	set    cache.LeafSet
	err    error
}

func (r *refresh) run(ctx context.Context, newRoot digest.Digest) (*Followee, error) {
	e := r.engine

	idxData, err := r.load(ctx, feed.KindIndex, newRoot)
	if err != nil {
		return nil, err
	}
	idx, err := feed.DecodeIndex(idxData)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", newRoot, err)
	}
	newMeta := feed.MetadataOf(newRoot, idx)

	// Pin every changed metadata object before anything old is released.
	oldFields := r.prev.Meta.Fields()
	var newList *feed.RecordList
	for i, f := range newMeta.Fields() {
		if f.ID == "" || f.ID == oldFields[i].ID {
			continue
		}
		if f.Kind != feed.KindIndex {
			data, err := r.load(ctx, f.Kind, f.ID)
			if err != nil {
				return nil, r.abort(ctx, err)
			}
			if err := feed.Validate(f.Kind, data); err != nil {
				return nil, r.abort(ctx, fmt.Errorf("%s %s: %w", f.Kind, f.ID, err))
			}
			if f.Kind == feed.KindRecordList {
				newList, _ = feed.DecodeRecordList(data)
			}
		}
		if err := r.pin(ctx, f.ID); err != nil {
			return nil, r.abort(ctx, fmt.Errorf("pin %s %s: %w", f.Kind, f.ID, err))
		}
	}

	// An unchanged record list id means an unchanged record set.
	var added, removed []digest.Digest
	if newList != nil {
		var oldRecords []digest.Digest
		if r.prev.Meta.Records != "" {
			oldList, err := r.loadRecordList(ctx, r.prev.Meta.Records)
			if err != nil {
				return nil, r.abort(ctx, err)
			}
			oldRecords = oldList.Records
		}
		added, removed = diff(oldRecords, newList.Records)
	}

	pendings := make([]*pending, 0, len(added))
	for _, id := range added {
		p, err := r.addRecord(ctx, id)
		if err != nil {
			return nil, r.abort(ctx, err)
		}
		pendings = append(pendings, p)
	}

	r.pinLeaves(ctx, pendings)
	if err := ctx.Err(); err != nil {
		r.releaseLeaves(context.WithoutCancel(ctx), pendings)
		return nil, r.abort(ctx, err)
	}

	// Nothing below is fatal.
	var releases []digest.Digest
	for _, id := range removed {
		if set, ok := r.next.Elements[id]; ok {
			delete(r.next.Elements, id)
			set.Pins(func(d digest.Digest) { releases = append(releases, d) })
		}
	}
	releases = append(releases, r.admit(pendings)...)
	for i, f := range newMeta.Fields() {
		if old := oldFields[i].ID; old != "" && old != f.ID {
			releases = append(releases, old)
		}
	}

	r.next.Root = newRoot
	r.next.Meta = newMeta
	r.next.LastPoll = e.now()

	var errs []error
	for _, id := range releases {
		if err := e.support.Release(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}

	r.log.Debug("refreshed followee",
		"added", len(added),
		"removed", len(removed),
		"elements", len(r.next.Elements),
		"usage", r.next.UsageBytes(),
		"released", len(releases),
	)
	if len(errs) > 0 {
		r.log.Warn("refresh left pins behind", "failed", len(errs))
		return r.next, fmt.Errorf("%w: %w", ErrIncompleteRelease, errors.Join(errs...))
	}
	return r.next, nil
}

// load probes the size of a metadata object, rejects oversized objects and
// fetches it.
func (r *refresh) load(ctx context.Context, kind feed.Kind, id digest.Digest) ([]byte, error) {
	size, err := r.engine.support.SizeOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("size %s %s: %w", kind, id, err)
	}
	if err := feed.CheckSize(kind, size); err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, err)
	}
	data, err := r.engine.support.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (r *refresh) loadRecordList(ctx context.Context, id digest.Digest) (*feed.RecordList, error) {
	data, err := r.load(ctx, feed.KindRecordList, id)
	if err != nil {
		return nil, err
	}
	list, err := feed.DecodeRecordList(data)
	if err != nil {
		return nil, fmt.Errorf("record list %s: %w", id, err)
	}
	return list, nil
}

// addRecord loads and pins an added record's own object.
func (r *refresh) addRecord(ctx context.Context, id digest.Digest) (*pending, error) {
	data, err := r.load(ctx, feed.KindRecord, id)
	if err != nil {
		return nil, err
	}
	rec, err := feed.DecodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if err := r.pin(ctx, id); err != nil {
		return nil, fmt.Errorf("pin record %s: %w", id, err)
	}
	return &pending{id: id, record: rec}, nil
}

func (r *refresh) pin(ctx context.Context, id digest.Digest) error {
	if err := r.engine.support.Pin(ctx, id); err != nil {
		return err
	}
	r.pinned = append(r.pinned, id)
	return nil
}

// abort releases everything this call pinned, newest first, and returns err.
// Releases run even when ctx is already canceled.
func (r *refresh) abort(ctx context.Context, err error) error {
	ctx = context.WithoutCancel(ctx)
	for _, id := range slices.Backward(r.pinned) {
		if relErr := r.engine.support.Release(ctx, id); relErr != nil {
			r.log.Warn("unwind release failed", "id", id.String(), "error", relErr)
		}
	}
	r.log.Debug("refresh aborted", "unwound", len(r.pinned), "error", err)
	r.pinned = nil
	return err
}

// pinLeaves sizes and pins the leaves of every pending record. Records are
// processed concurrently; a record whose leaves cannot all be sized and
// pinned has its leaf pins released and p.err set.
func (r *refresh) pinLeaves(ctx context.Context, pendings []*pending) {
	var g errgroup.Group
	g.SetLimit(r.engine.cfg.Concurrency)
	for _, p := range pendings {
		g.Go(func() error {
			r.pinRecordLeaves(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *refresh) pinRecordLeaves(ctx context.Context, p *pending) {
	s := r.engine.support
	leaves := p.record.Leaves(r.engine.cfg.VideoEdgePixelMax)
	p.set = cache.LeafSet{
		Record:    p.id,
		Thumbnail: leaves.Thumbnail,
		Video:     leaves.Video,
		Audio:     leaves.Audio,
		Published: p.record.Published,
	}

	var pinned []digest.Digest
	for _, id := range p.set.Leaves() {
		size, err := s.SizeOf(ctx, id)
		if err == nil {
			err = s.Pin(ctx, id)
		}
		if err != nil {
			p.err = fmt.Errorf("leaf %s: %w", id, err)
			break
		}
		pinned = append(pinned, id)
		p.set.SizeBytes += size
	}
	if p.err == nil {
		return
	}

	relCtx := context.WithoutCancel(ctx)
	for _, id := range slices.Backward(pinned) {
		if err := s.Release(relCtx, id); err != nil {
			r.log.Warn("release of partial leaf set failed", "record", p.id.String(), "id", id.String(), "error", err)
		}
	}
	r.log.Debug("record left uncached", "record", p.id.String(), "error", p.err)
}

// releaseLeaves releases the leaves of every record whose leaves were
// fully pinned. Used when the refresh is abandoned after pinLeaves.
func (r *refresh) releaseLeaves(ctx context.Context, pendings []*pending) {
	for _, p := range pendings {
		if p.err != nil {
			continue
		}
		for _, id := range p.set.Leaves() {
			if err := r.engine.support.Release(ctx, id); err != nil {
				r.log.Warn("unwind release failed", "id", id.String(), "error", err)
			}
		}
	}
}

// admit applies the budget to the pending records, stores the admitted ones
// in r.next and returns the ids that must be released: every pin of a
// rejected record, the record pin of a failed one, and the pins of any
// element evicted to make room for the newest record.
func (r *refresh) admit(pendings []*pending) []digest.Digest {
	var ok []*pending
	var releases []digest.Digest
	for _, p := range pendings {
		if p.err != nil {
			releases = append(releases, p.id)
			continue
		}
		ok = append(ok, p)
	}

	b := budget.New(r.engine.cfg.TargetBytes, r.next.UsageBytes(), r.engine.budgetOpts...)
	admitted := make(map[digest.Digest]bool, len(ok))

	// Pending records are in record list order, newest first, so the first
	// maximum wins ties.
	var newest *pending
	for _, p := range ok {
		if newest == nil || p.set.Published > newest.set.Published {
			newest = p
		}
	}
	var exempt digest.Digest
	if newest != nil {
		b.Force(budget.Candidate{ID: newest.id, Size: newest.set.SizeBytes})
		admitted[newest.id] = true
		exempt = newest.id
	}

	candidates := make([]budget.Candidate, 0, len(ok))
	for _, p := range ok {
		if p != newest {
			candidates = append(candidates, budget.Candidate{ID: p.id, Size: p.set.SizeBytes})
		}
	}
	for _, id := range b.Admit(candidates) {
		admitted[id] = true
	}

	for _, p := range ok {
		if admitted[p.id] {
			r.next.Elements[p.id] = p.set
			continue
		}
		r.log.Debug("record rejected by budget", "record", p.id.String(), "size", p.set.SizeBytes)
		p.set.Pins(func(id digest.Digest) { releases = append(releases, id) })
	}

	for _, set := range evictOldest(b, r.next, exempt) {
		r.log.Debug("element evicted", "record", set.Record.String(), "size", set.SizeBytes)
		set.Pins(func(id digest.Digest) { releases = append(releases, id) })
	}
	return releases
}

// evictOldest removes elements from f, oldest first, until b is within its
// capacity, and returns them. exempt is never evicted; when it is empty the
// newest element is exempt instead, so a feed always keeps its latest post.
func evictOldest(b *budget.Budget, f *Followee, exempt digest.Digest) []cache.LeafSet {
	if !b.OverBudget() {
		return nil
	}
	sets := f.OldestFirst()
	if exempt == "" && len(sets) > 0 {
		exempt = sets[len(sets)-1].Record
	}

	candidates := make([]budget.Candidate, 0, len(sets))
	for _, set := range sets {
		if set.Record != exempt {
			candidates = append(candidates, budget.Candidate{ID: set.Record, Size: set.SizeBytes})
		}
	}

	var evicted []cache.LeafSet
	for _, id := range b.Evict(candidates) {
		evicted = append(evicted, f.Elements[id])
		delete(f.Elements, id)
	}
	return evicted
}

// diff returns the ids present only in next and only in prev, each in the
// order of its source list with duplicates dropped.
func diff(prev, next []digest.Digest) (added, removed []digest.Digest) {
	inPrev := make(map[digest.Digest]bool, len(prev))
	for _, id := range prev {
		inPrev[id] = true
	}
	inNext := make(map[digest.Digest]bool, len(next))
	for _, id := range next {
		if !inNext[id] && !inPrev[id] {
			added = append(added, id)
		}
		inNext[id] = true
	}
	seen := make(map[digest.Digest]bool, len(prev))
	for _, id := range prev {
		if !inNext[id] && !seen[id] {
			removed = append(removed, id)
		}
		seen[id] = true
	}
	return added, removed
}
