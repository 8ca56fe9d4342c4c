package artifact

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hodei-pipelines/hodei/pkg/types"
)

func TestCachePutGetRoundTrip(t *testing.T) {
	c, err := NewCache(t.TempDir())
	require.NoError(t, err)

	data := []byte("library bytes")
	art, err := c.Put("X", data, types.ArtifactLibrary)
	require.NoError(t, err)
	assert.Equal(t, Checksum(data), art.Checksum)
	assert.Equal(t, int64(len(data)), art.Size)

	got, blob, err := c.Get("X")
	require.NoError(t, err)
	assert.Equal(t, art.Checksum, got.Checksum)
	assert.Equal(t, data, blob)

	_, _, err = c.Get("missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestCacheIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	require.NoError(t, err)
	_, err = c.Put("X", []byte("payload"), types.ArtifactDataset)
	require.NoError(t, err)

	reopened, err := NewCache(dir)
	require.NoError(t, err)
	assert.True(t, reopened.Has("X"))
}

func TestCacheQueryPartitionsHitAndMiss(t *testing.T) {
	c, err := NewCache(t.TempDir())
	require.NoError(t, err)
	_, err = c.Put("X", []byte("x"), types.ArtifactLibrary)
	require.NoError(t, err)
	_, err = c.Put("Y", []byte("y"), types.ArtifactLibrary)
	require.NoError(t, err)

	cached, missing := c.Query([]types.ArtifactID{"X", "Y", "Z"})
	assert.Equal(t, []types.ArtifactID{"X", "Y"}, cached)
	assert.Equal(t, []types.ArtifactID{"Z"}, missing)
}

func TestCacheCorruptBlobCountsAsMissing(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir)
	require.NoError(t, err)
	_, err = c.Put("X", []byte("original"), types.ArtifactLibrary)
	require.NoError(t, err)

	// Flip the blob on disk behind the index's back.
	require.NoError(t, os.WriteFile(c.blobPath("X"), []byte("tampered"), 0o644))

	_, _, err = c.Get("X")
	assert.True(t, errors.Is(err, types.ErrIntegrity))

	cached, missing := c.Query([]types.ArtifactID{"X"})
	assert.Empty(t, cached)
	assert.Equal(t, []types.ArtifactID{"X"}, missing)
}

func TestChunkReceiveRoundTrip(t *testing.T) {
	for _, comp := range []types.Compression{types.CompressionNone, types.CompressionGzip, types.CompressionZstd} {
		t.Run(string(comp), func(t *testing.T) {
			data := bytes.Repeat([]byte("0123456789abcdef"), 1024)
			chunks, err := Chunk("Z", data, comp, 1024)
			require.NoError(t, err)
			require.Greater(t, len(chunks), 1)

			// Sequence starts at 0, strictly increasing, only final carries isLast.
			for i, ch := range chunks {
				assert.Equal(t, int64(i), ch.Sequence)
				assert.Equal(t, i == len(chunks)-1, ch.IsLast)
			}
			last := chunks[len(chunks)-1]
			assert.Equal(t, Checksum(data), last.Checksum)
			assert.Equal(t, int64(len(data)), last.OriginalSize)

			r := NewReceiver("Z")
			for _, ch := range chunks[:len(chunks)-1] {
				_, done, err := r.Accept(ch)
				require.NoError(t, err)
				assert.False(t, done)
			}
			got, done, err := r.Accept(last)
			require.NoError(t, err)
			assert.True(t, done)
			assert.Equal(t, data, got)
		})
	}
}

func TestReceiverRejectsSequenceGap(t *testing.T) {
	chunks, err := Chunk("Z", bytes.Repeat([]byte("x"), 4096), types.CompressionNone, 1024)
	require.NoError(t, err)

	r := NewReceiver("Z")
	_, _, err = r.Accept(chunks[0])
	require.NoError(t, err)
	_, _, err = r.Accept(chunks[2])
	assert.Error(t, err)
}

func TestReceiverDetectsCorruption(t *testing.T) {
	chunks, err := Chunk("Z", []byte("artifact contents"), types.CompressionNone, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	chunks[0].Data = []byte("tampered contents")
	_, _, err = NewReceiver("Z").Accept(chunks[0])
	assert.True(t, errors.Is(err, types.ErrIntegrity))
}

func TestSingleByteAndEmptyArtifacts(t *testing.T) {
	chunks, err := Chunk("a", []byte{}, types.CompressionGzip, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsLast)

	got, done, err := NewReceiver("a").Accept(chunks[0])
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, got)
}
