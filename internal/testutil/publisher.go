package testutil

import (
	"slices"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/feed"
)

// Publisher builds feed object graphs in a MemStore and points a key at
// their root.
type Publisher struct {
	tb      testing.TB
	store   *MemStore
	key     string
	desc    feed.Description
	recs    feed.Recommendations
	records []digest.Digest // newest first
}

// NewPublisher returns a publisher for key with an empty feed.
func NewPublisher(tb testing.TB, s *MemStore, key string) *Publisher {
	tb.Helper()
	return &Publisher{
		tb:    tb,
		store: s,
		key:   key,
		desc:  feed.Description{Name: key},
	}
}

// Key returns the feed key.
func (p *Publisher) Key() string { return p.key }

// Object encodes v, stores it and returns its id.
func (p *Publisher) Object(v any) digest.Digest {
	p.tb.Helper()
	data, id, err := feed.Encode(v)
	if err != nil {
		p.tb.Fatalf("encode object: %v", err)
	}
	p.store.Put(data)
	return id
}

// Leaf stores a leaf blob and returns its id.
func (p *Publisher) Leaf(data string) digest.Digest {
	return p.store.PutString(data)
}

// Post stores rec as the newest record and returns its id.
// The feed is not republished until Publish is called.
func (p *Publisher) Post(rec feed.Record) digest.Digest {
	p.tb.Helper()
	id := p.Object(rec)
	p.records = slices.Insert(p.records, 0, id)
	return id
}

// Unpost drops a record from the feed.
func (p *Publisher) Unpost(id digest.Digest) {
	p.records = slices.DeleteFunc(p.records, func(d digest.Digest) bool { return d == id })
}

// Describe changes the feed description.
func (p *Publisher) Describe(name, about string) {
	p.desc = feed.Description{Name: name, About: about}
}

// Recommend replaces the recommended feeds.
func (p *Publisher) Recommend(keys ...string) {
	p.recs = feed.Recommendations{Feeds: keys}
}

// Publish writes the metadata objects and the index, points the key at the
// new root and returns the root id.
func (p *Publisher) Publish() digest.Digest {
	p.tb.Helper()
	root := p.Object(feed.Index{
		Version:         feed.Version,
		Description:     p.Object(p.desc),
		Recommendations: p.Object(p.recs),
		Records:         p.Object(feed.RecordList{Records: slices.Clone(p.records)}),
	})
	p.store.SetKey(p.key, root)
	return root
}

// Metadata returns the metadata ids of the feed rooted at root.
func (p *Publisher) Metadata(root digest.Digest) feed.Metadata {
	p.tb.Helper()
	data, ok := p.blob(root)
	if !ok {
		p.tb.Fatalf("root %s not stored", root)
	}
	idx, err := feed.DecodeIndex(data)
	if err != nil {
		p.tb.Fatalf("decode index: %v", err)
	}
	return feed.MetadataOf(root, idx)
}

func (p *Publisher) blob(id digest.Digest) ([]byte, bool) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	data, ok := p.store.blobs[id]
	return data, ok
}
