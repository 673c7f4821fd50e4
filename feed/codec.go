package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// zstdMagic is the frame header that marks a compressed object.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
)

func sharedEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// NewWriter with a nil writer only fails on invalid options.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	})
	return encoder
}

// CheckSize returns ErrOversize when size exceeds the limit for kind.
// Callers use it on size probes before fetching.
func CheckSize(kind Kind, size int64) error {
	if size > kind.MaxBytes() {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrOversize, kind, size, kind.MaxBytes())
	}
	return nil
}

// Encode returns the JSON encoding of v and its content id.
func Encode(v any) ([]byte, digest.Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal object: %w", err)
	}
	return data, digest.FromBytes(data), nil
}

// EncodeCompressed returns the zstd-compressed JSON encoding of v and its
// content id.
func EncodeCompressed(v any) ([]byte, digest.Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal object: %w", err)
	}
	compressed := sharedEncoder().EncodeAll(data, nil)
	return compressed, digest.FromBytes(compressed), nil
}

// DecodeIndex decodes an index object and checks its version.
func DecodeIndex(data []byte) (*Index, error) {
	var idx Index
	if err := decode(KindIndex, data, &idx); err != nil {
		return nil, err
	}
	if idx.Version != Version {
		return nil, fmt.Errorf("%w: unsupported index version %d", ErrProtocolData, idx.Version)
	}
	if idx.Records == "" {
		return nil, fmt.Errorf("%w: index has no record list", ErrProtocolData)
	}
	return &idx, nil
}

// DecodeDescription decodes a description object.
func DecodeDescription(data []byte) (*Description, error) {
	var d Description
	if err := decode(KindDescription, data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecodeRecommendations decodes a recommendations object.
func DecodeRecommendations(data []byte) (*Recommendations, error) {
	var r Recommendations
	if err := decode(KindRecommendations, data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeRecordList decodes a record list object.
func DecodeRecordList(data []byte) (*RecordList, error) {
	var l RecordList
	if err := decode(KindRecordList, data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// DecodeRecord decodes a record object.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := decode(KindRecord, data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate decodes data as kind and discards the result.
func Validate(kind Kind, data []byte) error {
	var err error
	switch kind {
	case KindIndex:
		_, err = DecodeIndex(data)
	case KindDescription:
		_, err = DecodeDescription(data)
	case KindRecommendations:
		_, err = DecodeRecommendations(data)
	case KindRecordList:
		_, err = DecodeRecordList(data)
	case KindRecord:
		_, err = DecodeRecord(data)
	default:
		err = fmt.Errorf("%w: unknown kind %d", ErrProtocolData, kind)
	}
	return err
}

func decode(kind Kind, data []byte, v any) error {
	if err := CheckSize(kind, int64(len(data))); err != nil {
		return err
	}
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := decompress(kind, data)
		if err != nil {
			return err
		}
		data = plain
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocolData, kind, err)
	}
	return nil
}

// decompress inflates a zstd object. The decoded size is capped at the
// kind's limit so a small frame cannot expand without bound.
func decompress(kind Kind, data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(kind.MaxBytes())), //nolint:gosec // limits are positive constants
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(data, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: %s inflates past limit %d", ErrOversize, kind, kind.MaxBytes())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decompress: %v", ErrProtocolData, kind, err)
	}
	if err := CheckSize(kind, int64(len(plain))); err != nil {
		return nil, err
	}
	return plain, nil
}
