// Package feed encodes and decodes the object graph a publisher hangs off a
// feed key.
//
// A feed root is an [Index] naming three metadata objects: a [Description],
// a [Recommendations] list and a [RecordList]. The record list names
// [Record] objects, newest first, and each record may reference thumbnail,
// video and audio leaves. Leaves are opaque blobs and are never decoded.
//
// Every object kind has a maximum encoded size. Objects may be stored as raw
// JSON or as a zstd frame wrapping the JSON; Decode handles both.
package feed

import (
	"errors"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors for codec operations.
var (
	// ErrOversize is returned when an object exceeds the maximum size of its
	// kind. It signals a protocol mismatch, not a transient absence.
	ErrOversize = errors.New("feed: object exceeds size limit")

	// ErrProtocolData is returned when an object fails to decode as its
	// expected kind.
	ErrProtocolData = errors.New("feed: invalid object data")
)

// Version is the object graph version written by this package.
const Version = 1

// Kind identifies a metadata object type.
type Kind int

// Object kinds.
const (
	KindIndex Kind = iota
	KindDescription
	KindRecommendations
	KindRecordList
	KindRecord
)

// Maximum encoded sizes per kind.
const (
	MaxIndexBytes           int64 = 4 << 10
	MaxDescriptionBytes     int64 = 16 << 10
	MaxRecommendationsBytes int64 = 64 << 10
	MaxRecordListBytes      int64 = 1 << 20
	MaxRecordBytes          int64 = 16 << 10
)

// String returns the kind name used in errors and logs.
func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindDescription:
		return "description"
	case KindRecommendations:
		return "recommendations"
	case KindRecordList:
		return "record list"
	case KindRecord:
		return "record"
	default:
		return "unknown"
	}
}

// MaxBytes returns the maximum encoded size for objects of kind k.
func (k Kind) MaxBytes() int64 {
	switch k {
	case KindIndex:
		return MaxIndexBytes
	case KindDescription:
		return MaxDescriptionBytes
	case KindRecommendations:
		return MaxRecommendationsBytes
	case KindRecordList:
		return MaxRecordListBytes
	case KindRecord:
		return MaxRecordBytes
	default:
		return 0
	}
}

// Index is the root object of a feed.
type Index struct {
	Version         int           `json:"version"`
	Description     digest.Digest `json:"description"`
	Recommendations digest.Digest `json:"recommendations"`
	Records         digest.Digest `json:"records"`
}

// Description carries the feed's display metadata.
type Description struct {
	Name  string `json:"name"`
	About string `json:"about,omitempty"`
}

// Recommendations lists other feed keys the publisher recommends.
type Recommendations struct {
	Feeds []string `json:"feeds"`
}

// RecordList names the feed's records, newest first.
type RecordList struct {
	Records []digest.Digest `json:"records"`
}

// Record is one published post.
type Record struct {
	Published int64          `json:"published"`
	Title     string         `json:"title"`
	Thumbnail digest.Digest  `json:"thumbnail,omitempty"`
	Video     []VideoVariant `json:"video,omitempty"`
	Audio     digest.Digest  `json:"audio,omitempty"`
}

// VideoVariant is one encoding of a record's video.
type VideoVariant struct {
	// Edge is the longest edge of the encoding in pixels.
	Edge int           `json:"edge"`
	ID   digest.Digest `json:"id"`
}

// Leaves are the attachment ids a record resolves to for a given display.
type Leaves struct {
	Thumbnail digest.Digest
	Video     digest.Digest
	Audio     digest.Digest
}

// Leaves picks the record's leaf ids. The video is the variant with the
// largest edge not above maxEdge; if every variant is larger the smallest
// one is used. maxEdge <= 0 means no limit.
func (r *Record) Leaves(maxEdge int) Leaves {
	return Leaves{
		Thumbnail: r.Thumbnail,
		Video:     pickVideo(r.Video, maxEdge),
		Audio:     r.Audio,
	}
}

func pickVideo(variants []VideoVariant, maxEdge int) digest.Digest {
	var best, smallest *VideoVariant
	for i := range variants {
		v := &variants[i]
		if v.ID == "" {
			continue
		}
		if smallest == nil || v.Edge < smallest.Edge {
			smallest = v
		}
		if maxEdge > 0 && v.Edge > maxEdge {
			continue
		}
		if best == nil || v.Edge > best.Edge {
			best = v
		}
	}
	switch {
	case best != nil:
		return best.ID
	case smallest != nil:
		return smallest.ID
	default:
		return ""
	}
}

// Metadata lists the four metadata ids reachable from a feed root.
// Index is the root id itself.
type Metadata struct {
	Index           digest.Digest `json:"index,omitempty"`
	Description     digest.Digest `json:"description,omitempty"`
	Recommendations digest.Digest `json:"recommendations,omitempty"`
	Records         digest.Digest `json:"records,omitempty"`
}

// MetadataOf returns the metadata ids of the feed rooted at root.
func MetadataOf(root digest.Digest, idx *Index) Metadata {
	return Metadata{
		Index:           root,
		Description:     idx.Description,
		Recommendations: idx.Recommendations,
		Records:         idx.Records,
	}
}

// IDs returns the non-empty ids in index, description, recommendations,
// records order.
func (m Metadata) IDs() []digest.Digest {
	ids := make([]digest.Digest, 0, 4)
	for _, id := range []digest.Digest{m.Index, m.Description, m.Recommendations, m.Records} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Field pairs a metadata id with its kind.
type Field struct {
	Kind Kind
	ID   digest.Digest
}

// Fields returns all four fields, including empty ones, in a fixed order.
func (m Metadata) Fields() []Field {
	return []Field{
		{Kind: KindIndex, ID: m.Index},
		{Kind: KindDescription, ID: m.Description},
		{Kind: KindRecommendations, ID: m.Recommendations},
		{Kind: KindRecordList, ID: m.Records},
	}
}
