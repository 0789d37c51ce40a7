package wire_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettyrpc/transport/pkg/wire"
)

func encodeGroups(t *testing.T, groups []*wire.Group) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	for _, g := range groups {
		require.NoError(t, enc.Encode(g.ID, g.Frames))
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	groups := []*wire.Group{
		{ID: 1, Frames: [][]byte{[]byte("hello"), []byte("world")}},
		{ID: 2, Frames: [][]byte{[]byte("solo")}},
		{ID: 3, Frames: nil},
	}
	data := encodeGroups(t, groups)

	dec := wire.NewDecoder()
	got, err := dec.Feed(data)
	require.NoError(t, err)
	require.NoError(t, dec.Close())
	require.Len(t, got, len(groups))
	for i, g := range groups {
		require.Equal(t, g.ID, got[i].ID)
		require.Equal(t, g.Frames, got[i].Frames)
	}
}

func TestChunkingInvariance(t *testing.T) {
	groups := []*wire.Group{
		{ID: 7, Frames: [][]byte{[]byte("alpha"), []byte("beta")}},
		{ID: 8, Frames: [][]byte{bytes.Repeat([]byte{0x42}, 300)}},
	}
	data := encodeGroups(t, groups)

	for _, chunkSize := range []int{1, 2, 3, 7, 16, len(data)} {
		dec := wire.NewDecoder()
		var got []*wire.Group
		for i := 0; i < len(data); i += chunkSize {
			end := i + chunkSize
			if end > len(data) {
				end = len(data)
			}
			out, err := dec.Feed(data[i:end])
			require.NoError(t, err)
			got = append(got, out...)
		}
		require.NoError(t, dec.Close())
		require.Len(t, got, len(groups), "chunk size %d", chunkSize)
		for i, g := range groups {
			require.Equal(t, g.ID, got[i].ID, "chunk size %d", chunkSize)
			require.Equal(t, g.Frames, got[i].Frames, "chunk size %d", chunkSize)
		}
	}
}

func TestFewerThanHeaderBytesProducesNothing(t *testing.T) {
	dec := wire.NewDecoder()
	out, err := dec.Feed([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTrailingDataError(t *testing.T) {
	groups := []*wire.Group{{ID: 1, Frames: [][]byte{[]byte("ok")}}}
	data := encodeGroups(t, groups)
	stray := []byte{0xAA, 0xBB, 0xCC}
	data = append(data, stray...)

	dec := wire.NewDecoder()
	out, err := dec.Feed(data)
	require.NoError(t, err)
	require.Len(t, out, 1)

	err = dec.Close()
	require.Error(t, err)
	var trailing *wire.TrailingDataError
	require.ErrorAs(t, err, &trailing)
	require.Equal(t, stray, trailing.Data)
}

func TestReadGroups(t *testing.T) {
	groups := []*wire.Group{
		{ID: 10, Frames: [][]byte{[]byte("x")}},
		{ID: 11, Frames: [][]byte{[]byte("y"), []byte("z")}},
	}
	data := encodeGroups(t, groups)

	out := make(chan *wire.Group, len(groups))
	err := wire.ReadGroups(context.Background(), bytes.NewReader(data), out)
	require.NoError(t, err)
	close(out)

	var got []*wire.Group
	for g := range out {
		got = append(got, g)
	}
	require.Len(t, got, len(groups))
}
