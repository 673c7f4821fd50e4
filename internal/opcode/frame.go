package opcode

import (
	"encoding/binary"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/opencontainers/go-digest"
)

// maxFrameBytes bounds a single frame so a corrupt length cannot trigger a
// huge allocation.
const maxFrameBytes = 1 << 20

// Table slots shared by every version.
const slotVersion = 0

// V1 table slots.
const (
	v1SlotKind = iota + 1
	v1SlotHash
	v1SlotKey
	v1SlotRoot
	v1SlotCount
)

// V2 table slots.
const (
	v2SlotKind = iota + 1
	v2SlotKey
	v2SlotID
	v2SlotCache
	v2SlotRecord
	v2SlotThumbnail
	v2SlotVideo
	v2SlotAudio
	v2SlotSize
	v2SlotPublished
	v2SlotMetaIndex
	v2SlotMetaDescription
	v2SlotMetaRecommendations
	v2SlotMetaRecords
	v2SlotPollMillis
	v2SlotCount
)

// Marshal encodes op as a current-version table.
func Marshal(op Op) []byte {
	b := flatbuffers.NewBuilder(256)

	// Strings must be created before the table is started.
	strs := []struct {
		slot int
		s    string
		off  flatbuffers.UOffsetT
	}{
		{slot: v2SlotKey, s: op.Key},
		{slot: v2SlotID, s: string(op.ID)},
		{slot: v2SlotRecord, s: string(op.Leaf.Record)},
		{slot: v2SlotThumbnail, s: string(op.Leaf.Thumbnail)},
		{slot: v2SlotVideo, s: string(op.Leaf.Video)},
		{slot: v2SlotAudio, s: string(op.Leaf.Audio)},
		{slot: v2SlotMetaIndex, s: string(op.Meta.Index)},
		{slot: v2SlotMetaDescription, s: string(op.Meta.Description)},
		{slot: v2SlotMetaRecommendations, s: string(op.Meta.Recommendations)},
		{slot: v2SlotMetaRecords, s: string(op.Meta.Records)},
	}
	for i := range strs {
		if strs[i].s != "" {
			strs[i].off = b.CreateString(strs[i].s)
		}
	}

	b.StartObject(v2SlotCount)
	b.PrependUint8Slot(slotVersion, VersionV2, 0)
	b.PrependUint8Slot(v2SlotKind, uint8(op.Kind), 0)
	b.PrependUint8Slot(v2SlotCache, uint8(op.Cache), 0)
	b.PrependInt64Slot(v2SlotSize, op.Leaf.SizeBytes, 0)
	b.PrependInt64Slot(v2SlotPublished, op.Leaf.Published, 0)
	b.PrependInt64Slot(v2SlotPollMillis, op.PollMillis, 0)
	for _, str := range strs {
		if str.off != 0 {
			b.PrependUOffsetTSlot(str.slot, str.off, 0)
		}
	}
	b.Finish(b.EndObject())
	return b.FinishedBytes()
}

// MarshalV1 encodes a legacy opcode. It exists so migrations can be tested
// against real V1 frames.
func MarshalV1(op V1Op) []byte {
	b := flatbuffers.NewBuilder(128)
	hash := b.CreateString(op.Hash)
	key := b.CreateString(op.Key)
	root := b.CreateString(op.Root)

	b.StartObject(v1SlotCount)
	b.PrependUint8Slot(slotVersion, VersionV1, 0)
	b.PrependUint8Slot(v1SlotKind, uint8(op.Kind), 0)
	b.PrependUOffsetTSlot(v1SlotHash, hash, 0)
	b.PrependUOffsetTSlot(v1SlotKey, key, 0)
	b.PrependUOffsetTSlot(v1SlotRoot, root, 0)
	b.Finish(b.EndObject())
	return b.FinishedBytes()
}

// Unmarshal decodes a table of any supported version and upgrades it to
// the current schema.
func Unmarshal(buf []byte) (op Op, err error) {
	defer func() {
		// Malformed tables index out of range inside the flatbuffers runtime.
		if r := recover(); r != nil {
			op, err = Op{}, fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	if len(buf) < flatbuffers.SizeUOffsetT {
		return Op{}, fmt.Errorf("%w: short table", ErrCorrupt)
	}
	t := table{flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}}

	switch v := t.uint8(slotVersion); v {
	case VersionV1:
		return Upgrade(V1Op{
			Kind: V1Kind(t.uint8(v1SlotKind)),
			Hash: t.string(v1SlotHash),
			Key:  t.string(v1SlotKey),
			Root: t.string(v1SlotRoot),
		})
	case VersionV2:
		op := Op{
			Kind:       Kind(t.uint8(v2SlotKind)),
			Key:        t.string(v2SlotKey),
			ID:         digest.Digest(t.string(v2SlotID)),
			Cache:      CacheName(t.uint8(v2SlotCache)),
			PollMillis: t.int64(v2SlotPollMillis),
		}
		op.Leaf.Record = digest.Digest(t.string(v2SlotRecord))
		op.Leaf.Thumbnail = digest.Digest(t.string(v2SlotThumbnail))
		op.Leaf.Video = digest.Digest(t.string(v2SlotVideo))
		op.Leaf.Audio = digest.Digest(t.string(v2SlotAudio))
		op.Leaf.SizeBytes = t.int64(v2SlotSize)
		op.Leaf.Published = t.int64(v2SlotPublished)
		op.Meta.Index = digest.Digest(t.string(v2SlotMetaIndex))
		op.Meta.Description = digest.Digest(t.string(v2SlotMetaDescription))
		op.Meta.Recommendations = digest.Digest(t.string(v2SlotMetaRecommendations))
		op.Meta.Records = digest.Digest(t.string(v2SlotMetaRecords))
		if op.Kind < KindPinAdd || op.Kind > KindCacheTouch {
			return Op{}, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, op.Kind)
		}
		return op, nil
	default:
		return Op{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
}

// table wraps a flatbuffers table with slot-indexed accessors.
type table struct {
	flatbuffers.Table
}

// vtableOffset maps a slot to its vtable entry, skipping the two metadata
// fields at the head of every vtable.
func vtableOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot) //nolint:gosec // slots are small constants
}

func (t table) field(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.Offset(vtableOffset(slot)))
}

func (t table) uint8(slot int) uint8 {
	if o := t.field(slot); o != 0 {
		return t.GetUint8(o + t.Pos)
	}
	return 0
}

func (t table) int64(slot int) int64 {
	if o := t.field(slot); o != 0 {
		return t.GetInt64(o + t.Pos)
	}
	return 0
}

func (t table) string(slot int) string {
	if o := t.field(slot); o != 0 {
		return string(t.ByteVector(o + t.Pos))
	}
	return ""
}

// WriteFrame writes a length-prefixed table to w.
func WriteFrame(w io.Writer, table []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(table))) //nolint:gosec // frames are far below 4 GiB
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(table)
	return err
}

// ReadFrame reads one length-prefixed table from r. It returns io.EOF at a
// clean end and io.ErrUnexpectedEOF for a truncated frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
