package feed

import (
	"bytes"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeIndex(t *testing.T) {
	t.Parallel()

	idx := Index{
		Version:         Version,
		Description:     digest.FromString("d"),
		Recommendations: digest.FromString("r"),
		Records:         digest.FromString("l"),
	}
	data, id, err := Encode(idx)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(data), id)

	got, err := DecodeIndex(data)
	require.NoError(t, err)
	assert.Equal(t, idx, *got)
}

func TestDecodeIndexErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "not json", data: []byte("{"), want: ErrProtocolData},
		{name: "wrong version", data: []byte(`{"version":9,"records":"sha256:aa"}`), want: ErrProtocolData},
		{name: "no records", data: []byte(`{"version":1}`), want: ErrProtocolData},
		{name: "oversize", data: bytes.Repeat([]byte(" "), int(MaxIndexBytes)+1), want: ErrOversize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeIndex(tt.data)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeCompressed(t *testing.T) {
	t.Parallel()

	rec := Record{Published: 42, Title: "hello", Audio: digest.FromString("a")}
	data, _, err := EncodeCompressed(rec)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, zstdMagic))

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, *got)
}

func TestDecodeCompressedExpandsPastLimit(t *testing.T) {
	t.Parallel()

	// Highly compressible payload that is small on the wire but inflates
	// beyond the record limit.
	rec := Record{Title: strings.Repeat("x", int(MaxRecordBytes)*2)}
	data, _, err := EncodeCompressed(rec)
	require.NoError(t, err)
	require.Less(t, int64(len(data)), MaxRecordBytes)

	_, err = DecodeRecord(data)
	require.ErrorIs(t, err, ErrOversize)
	assert.NotErrorIs(t, err, ErrProtocolData)
}

func TestCheckSize(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckSize(KindRecord, MaxRecordBytes))
	require.ErrorIs(t, CheckSize(KindRecord, MaxRecordBytes+1), ErrOversize)
}

func TestRecordLeavesPicksVideo(t *testing.T) {
	t.Parallel()

	v480 := digest.FromString("480")
	v720 := digest.FromString("720")
	v1080 := digest.FromString("1080")
	rec := Record{Video: []VideoVariant{{Edge: 1080, ID: v1080}, {Edge: 480, ID: v480}, {Edge: 720, ID: v720}}}

	tests := []struct {
		maxEdge int
		want    digest.Digest
	}{
		{maxEdge: 0, want: v1080},
		{maxEdge: 1280, want: v1080},
		{maxEdge: 720, want: v720},
		{maxEdge: 500, want: v480},
		{maxEdge: 100, want: v480},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rec.Leaves(tt.maxEdge).Video, "maxEdge %d", tt.maxEdge)
	}

	assert.Empty(t, (&Record{}).Leaves(720).Video)
}

func TestMetadataIDs(t *testing.T) {
	t.Parallel()

	m := Metadata{Index: digest.FromString("i"), Records: digest.FromString("l")}
	assert.Equal(t, []digest.Digest{m.Index, m.Records}, m.IDs())
	assert.Len(t, m.Fields(), 4)
}
