package cache

import "github.com/opencontainers/go-digest"

// LeafSet describes one cached record and the leaves it pins.
//
// SizeBytes is the sum of the leaf sizes counted toward a budget; it never
// includes the size of the record object itself. Empty leaf ids mean the
// record has no such attachment.
type LeafSet struct {
	Record    digest.Digest `json:"record"`
	Thumbnail digest.Digest `json:"thumbnail,omitempty"`
	Video     digest.Digest `json:"video,omitempty"`
	Audio     digest.Digest `json:"audio,omitempty"`
	SizeBytes int64         `json:"sizeBytes"`

	// Published is the record's publication time in unix seconds. It orders
	// entries of a followee for eviction.
	Published int64 `json:"published,omitempty"`
}

// Leaves returns the non-empty leaf ids in thumbnail, video, audio order.
func (s LeafSet) Leaves() []digest.Digest {
	leaves := make([]digest.Digest, 0, 3)
	for _, id := range []digest.Digest{s.Thumbnail, s.Video, s.Audio} {
		if id != "" {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// Pins calls visit for the record id and then each present leaf.
func (s LeafSet) Pins(visit func(digest.Digest)) {
	if s.Record != "" {
		visit(s.Record)
	}
	for _, id := range s.Leaves() {
		visit(id)
	}
}
