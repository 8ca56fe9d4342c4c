package artifact

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/protocol"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// DefaultChunkSize is the per-chunk payload size before compression.
const DefaultChunkSize = 256 * 1024

// compress encodes one chunk's payload.
func compress(data []byte, comp types.Compression) ([]byte, error) {
	switch comp {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case types.CompressionZstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer zw.Close()
		return zw.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
}

// decompress decodes one chunk's payload. The chunk's compression tag is
// authoritative.
func decompress(data []byte, comp types.Compression) ([]byte, error) {
	switch comp {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case types.CompressionZstd:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return zr.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression %q", comp)
	}
}

// Chunk splits an artifact into wire chunks. Each chunk is compressed
// independently; sequence starts at 0 and the last chunk carries isLast and
// the SHA-256 of the whole uncompressed artifact.
func Chunk(id types.ArtifactID, data []byte, comp types.Compression, chunkSize int) ([]*protocol.ArtifactChunk, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	checksum := Checksum(data)
	total := int64(len(data))

	var chunks []*protocol.ArtifactChunk
	var seq int64
	for offset := 0; ; offset += chunkSize {
		end := offset + chunkSize
		last := end >= len(data)
		if last {
			end = len(data)
		}

		payload, err := compress(data[offset:end], comp)
		if err != nil {
			return nil, fmt.Errorf("failed to compress chunk %d of %s: %w", seq, id, err)
		}

		chunk := &protocol.ArtifactChunk{
			ArtifactID:  id,
			Data:        payload,
			Sequence:    seq,
			IsLast:      last,
			Compression: comp,
		}
		if last {
			chunk.OriginalSize = total
			chunk.Checksum = checksum
		}
		chunks = append(chunks, chunk)
		metrics.ArtifactBytesSentTotal.Add(float64(len(payload)))
		seq++

		if last {
			return chunks, nil
		}
	}
}

// Receiver reassembles one chunked transfer. Not safe for concurrent use;
// each transfer owns its receiver.
type Receiver struct {
	id       types.ArtifactID
	buf      bytes.Buffer
	nextSeq  int64
	complete bool
}

// NewReceiver starts an empty assembly for the given artifact.
func NewReceiver(id types.ArtifactID) *Receiver {
	return &Receiver{id: id}
}

// Accept consumes one chunk. Sequence gaps, reordering and traffic after the
// last chunk are protocol errors that discard the transfer. When the last
// chunk arrives the assembled bytes are verified against the declared
// checksum and returned; mismatch yields ErrArtifactCorrupt.
func (r *Receiver) Accept(chunk *protocol.ArtifactChunk) (data []byte, done bool, err error) {
	if r.complete {
		return nil, false, fmt.Errorf("artifact %s: chunk after final chunk", r.id)
	}
	if chunk.ArtifactID != r.id {
		return nil, false, fmt.Errorf("artifact %s: chunk for wrong artifact %s", r.id, chunk.ArtifactID)
	}
	if chunk.Sequence != r.nextSeq {
		return nil, false, fmt.Errorf("artifact %s: expected sequence %d, got %d", r.id, r.nextSeq, chunk.Sequence)
	}
	r.nextSeq++

	plain, err := decompress(chunk.Data, chunk.Compression)
	if err != nil {
		return nil, false, fmt.Errorf("artifact %s: chunk %d decompress: %w", r.id, chunk.Sequence, err)
	}
	r.buf.Write(plain)

	if !chunk.IsLast {
		return nil, false, nil
	}
	r.complete = true

	assembled := r.buf.Bytes()
	if chunk.Checksum != "" && Checksum(assembled) != chunk.Checksum {
		return nil, false, fmt.Errorf("artifact %s: %w", r.id, ErrArtifactCorrupt)
	}
	if chunk.OriginalSize > 0 && chunk.OriginalSize != int64(len(assembled)) {
		return nil, false, fmt.Errorf("artifact %s: size mismatch (declared %d, got %d): %w",
			r.id, chunk.OriginalSize, len(assembled), ErrArtifactCorrupt)
	}
	return assembled, true, nil
}
