package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// ErrArtifactCorrupt reports a checksum mismatch on a completed transfer.
var ErrArtifactCorrupt = fmt.Errorf("artifact corrupt: %w", types.ErrIntegrity)

// Cache is a content-addressed artifact store: blobs on disk, index in a
// JSON sidecar. Blobs are stored uncompressed; compression is applied per
// chunk at send time.
type Cache struct {
	dir string

	mu    sync.RWMutex
	index map[types.ArtifactID]*types.Artifact
}

// NewCache opens (or creates) a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	c := &Cache{
		dir:   dir,
		index: make(map[types.ArtifactID]*types.Artifact),
	}
	if err := c.loadIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) indexPath() string { return filepath.Join(c.dir, "index.json") }

func (c *Cache) blobPath(id types.ArtifactID) string {
	return filepath.Join(c.dir, "blobs", string(id))
}

func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(c.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	if err := json.Unmarshal(data, &c.index); err != nil {
		return fmt.Errorf("failed to parse cache index: %w", err)
	}
	return nil
}

// saveIndex persists the index. Callers hold c.mu.
func (c *Cache) saveIndex() error {
	data, err := json.Marshal(c.index)
	if err != nil {
		return err
	}
	tmp := c.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	return os.Rename(tmp, c.indexPath())
}

// Checksum computes the canonical content address of a blob.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores a blob under the given id and records its checksum.
func (c *Cache) Put(id types.ArtifactID, data []byte, kind types.ArtifactType) (*types.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(c.blobPath(id), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write blob %s: %w", id, err)
	}
	art := &types.Artifact{
		ID:           id,
		Checksum:     Checksum(data),
		Size:         int64(len(data)),
		OriginalSize: int64(len(data)),
		Compression:  types.CompressionNone,
		CachedAt:     time.Now(),
		Type:         kind,
	}
	c.index[id] = art
	if err := c.saveIndex(); err != nil {
		return nil, err
	}
	return art, nil
}

// Get returns the blob and its metadata. The stored bytes are verified
// against the indexed checksum on every read.
func (c *Cache) Get(id types.ArtifactID) (*types.Artifact, []byte, error) {
	c.mu.RLock()
	art, ok := c.index[id]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("artifact %s: %w", id, types.ErrNotFound)
	}

	data, err := os.ReadFile(c.blobPath(id))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}
	if Checksum(data) != art.Checksum {
		return nil, nil, fmt.Errorf("artifact %s on-disk checksum mismatch: %w", id, ErrArtifactCorrupt)
	}
	return art, data, nil
}

// Has reports whether the artifact is cached with an intact blob.
func (c *Cache) Has(id types.ArtifactID) bool {
	_, _, err := c.Get(id)
	return err == nil
}

// Query partitions the requested ids into cached and missing. Entries whose
// blobs fail checksum verification count as missing.
func (c *Cache) Query(ids []types.ArtifactID) (cached, missing []types.ArtifactID) {
	for _, id := range ids {
		if c.Has(id) {
			cached = append(cached, id)
			metrics.ArtifactCacheHitsTotal.Inc()
		} else {
			missing = append(missing, id)
			metrics.ArtifactCacheMissesTotal.Inc()
		}
	}
	return cached, missing
}

// Delete removes an artifact and its blob.
func (c *Cache) Delete(id types.ArtifactID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; !ok {
		return nil
	}
	delete(c.index, id)
	if err := os.Remove(c.blobPath(id)); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("artifact_id", string(id)).Msg("Failed to remove blob")
	}
	return c.saveIndex()
}

// List returns all indexed artifacts, unordered.
func (c *Cache) List() []*types.Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Artifact, 0, len(c.index))
	for _, a := range c.index {
		out = append(out, a)
	}
	return out
}
