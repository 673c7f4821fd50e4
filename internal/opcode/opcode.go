// Package opcode defines the append-only log that persists client state.
//
// Every state mutation is written as one or more opcodes. Frames carry a
// schema version; older versions are decoded into their own type and
// upgraded to the current [Op] by a pure function, so the state layer only
// ever sees current opcodes.
//
// A frame is a little-endian uint32 length followed by a FlatBuffers table.
// Slot 0 of every table is the schema version.
package opcode

import (
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/cache"
	"github.com/meigma/feedpin/feed"
)

// Sentinel errors for log operations.
var (
	// ErrCorrupt is returned when a frame cannot be decoded.
	ErrCorrupt = errors.New("opcode: corrupt frame")

	// ErrUnsupportedVersion is returned for frames newer than this package.
	ErrUnsupportedVersion = errors.New("opcode: unsupported version")
)

// Schema versions.
const (
	VersionV1 uint8 = 1
	VersionV2 uint8 = 2

	// CurrentVersion is the version written by Marshal.
	CurrentVersion = VersionV2
)

// Kind discriminates current opcodes.
type Kind uint8

// Current opcode kinds.
const (
	KindPinAdd Kind = iota + 1
	KindPinRemove
	KindFolloweeSet
	KindFolloweeDelete
	KindElementPut
	KindElementRemove
	KindCachePut
	KindCacheRemove
	KindCacheTouch
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPinAdd:
		return "pin.add"
	case KindPinRemove:
		return "pin.remove"
	case KindFolloweeSet:
		return "followee.set"
	case KindFolloweeDelete:
		return "followee.delete"
	case KindElementPut:
		return "element.put"
	case KindElementRemove:
		return "element.remove"
	case KindCachePut:
		return "cache.put"
	case KindCacheRemove:
		return "cache.remove"
	case KindCacheTouch:
		return "cache.touch"
	default:
		return "unknown"
	}
}

// CacheName selects a bounded cache.
type CacheName uint8

// Bounded caches.
const (
	CacheExplicit CacheName = iota + 1
	CacheFavourites
)

// HomeKey is the followee key under which the home channel is journaled.
const HomeKey = ""

// Op is a current (V2) opcode. Which fields are meaningful depends on Kind:
//
//   - KindPinAdd, KindPinRemove: ID
//   - KindFolloweeSet: Key, Meta (Meta.Index is the root), PollMillis
//   - KindFolloweeDelete: Key
//   - KindElementPut: Key, Leaf
//   - KindElementRemove: Key, ID
//   - KindCachePut: Cache, Leaf
//   - KindCacheRemove, KindCacheTouch: Cache, ID
type Op struct {
	Kind       Kind
	Key        string
	ID         digest.Digest
	Cache      CacheName
	Leaf       cache.LeafSet
	Meta       feed.Metadata
	PollMillis int64
}

// V1Kind discriminates legacy opcodes.
type V1Kind uint8

// Legacy opcode kinds. V1 logs tracked only pins and followee roots, with
// hashes stored as bare hex SHA-256.
const (
	V1Pin V1Kind = iota + 1
	V1Unpin
	V1Follow
	V1Unfollow
)

// V1Op is a legacy opcode.
type V1Op struct {
	Kind V1Kind
	Hash string // bare hex sha256, for V1Pin and V1Unpin
	Key  string
	Root string // bare hex sha256, for V1Follow
}

// Upgrade converts a V1 opcode to the current schema.
func Upgrade(op V1Op) (Op, error) {
	switch op.Kind {
	case V1Pin, V1Unpin:
		id, err := upgradeHash(op.Hash)
		if err != nil {
			return Op{}, err
		}
		kind := KindPinAdd
		if op.Kind == V1Unpin {
			kind = KindPinRemove
		}
		return Op{Kind: kind, ID: id}, nil
	case V1Follow:
		root, err := upgradeHash(op.Root)
		if err != nil {
			return Op{}, err
		}
		return Op{Kind: KindFolloweeSet, Key: op.Key, Meta: feed.Metadata{Index: root}}, nil
	case V1Unfollow:
		return Op{Kind: KindFolloweeDelete, Key: op.Key}, nil
	default:
		return Op{}, errors.Join(ErrCorrupt, errors.New("unknown v1 kind"))
	}
}

func upgradeHash(hex string) (digest.Digest, error) {
	id := digest.NewDigestFromEncoded(digest.SHA256, hex)
	if err := id.Validate(); err != nil {
		return "", errors.Join(ErrCorrupt, err)
	}
	return id, nil
}
