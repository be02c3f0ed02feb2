package clustering

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// entryOverhead approximates ids, timestamps and map bookkeeping per entry
const entryOverhead = 256

// EntryCost is the fixed memory charge of one cached embedding
const EntryCost = int64(entities.EmbeddingDim*4 + entryOverhead)

// EmbeddingCache is a bounded store of per-segment speaker embeddings.
// It is owned by a single session actor and is not safe for concurrent use.
// A full cache rejects new ids instead of evicting old ones.
type EmbeddingCache struct {
	budget  int64
	entries map[string]entities.EmbeddingEntry
}

// NewEmbeddingCache creates a cache with the given byte budget
func NewEmbeddingCache(budgetBytes int64) *EmbeddingCache {
	return &EmbeddingCache{
		budget:  budgetBytes,
		entries: make(map[string]entities.EmbeddingEntry),
	}
}

// Add stores entry. Re-adding a known segment id always succeeds; a new id
// that would exceed the budget returns entities.ErrEmbeddingCacheFull.
func (c *EmbeddingCache) Add(entry entities.EmbeddingEntry) error {
	if entry.SegmentID == "" {
		return fmt.Errorf("%w: empty segment id", entities.ErrInvalidEmbedding)
	}
	if len(entry.Vector) != entities.EmbeddingDim {
		return fmt.Errorf("%w: dimension %d, want %d", entities.ErrInvalidEmbedding, len(entry.Vector), entities.EmbeddingDim)
	}
	if _, known := c.entries[entry.SegmentID]; !known && c.UsedBytes()+EntryCost > c.budget {
		return entities.ErrEmbeddingCacheFull
	}
	vec := make([]float32, len(entry.Vector))
	copy(vec, entry.Vector)
	entry.Vector = vec
	c.entries[entry.SegmentID] = entry
	return nil
}

// Get returns the entry for a segment id
func (c *EmbeddingCache) Get(segmentID string) (entities.EmbeddingEntry, bool) {
	e, ok := c.entries[segmentID]
	return e, ok
}

// Len returns the number of cached entries
func (c *EmbeddingCache) Len() int { return len(c.entries) }

// UsedBytes returns the charged memory
func (c *EmbeddingCache) UsedBytes() int64 { return int64(len(c.entries)) * EntryCost }

// Budget returns the configured byte budget
func (c *EmbeddingCache) Budget() int64 { return c.budget }

// Entries returns entries ordered by start time then segment id. An empty
// role returns every stream.
func (c *EmbeddingCache) Entries(role entities.StreamRole) []entities.EmbeddingEntry {
	out := make([]entities.EmbeddingEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if role != "" && e.StreamRole != role {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []entities.EmbeddingEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].StartMs != es[j].StartMs {
			return es[i].StartMs < es[j].StartMs
		}
		return es[i].SegmentID < es[j].SegmentID
	})
}

type serializedEntry struct {
	SegmentID       string              `json:"segment_id"`
	Vector          string              `json:"vector"`
	StartMs         int64               `json:"start_ms"`
	EndMs           int64               `json:"end_ms"`
	WindowClusterID string              `json:"window_cluster_id"`
	StreamRole      entities.StreamRole `json:"stream_role"`
}

type serializedCache struct {
	Budget  int64             `json:"budget"`
	Entries []serializedEntry `json:"entries"`
}

// MarshalJSON encodes vectors as base64 little-endian float32
func (c *EmbeddingCache) MarshalJSON() ([]byte, error) {
	sc := serializedCache{Budget: c.budget}
	for _, e := range c.Entries("") {
		sc.Entries = append(sc.Entries, serializedEntry{
			SegmentID:       e.SegmentID,
			Vector:          EncodeVector(e.Vector),
			StartMs:         e.StartMs,
			EndMs:           e.EndMs,
			WindowClusterID: e.WindowClusterID,
			StreamRole:      e.StreamRole,
		})
	}
	return json.Marshal(sc)
}

// UnmarshalJSON restores a cache produced by MarshalJSON. Entries that no
// longer fit the budget are rejected the same way Add rejects them.
func (c *EmbeddingCache) UnmarshalJSON(data []byte) error {
	var sc serializedCache
	if err := json.Unmarshal(data, &sc); err != nil {
		return err
	}
	if c.budget == 0 {
		c.budget = sc.Budget
	}
	c.entries = make(map[string]entities.EmbeddingEntry, len(sc.Entries))
	for _, se := range sc.Entries {
		vec, err := DecodeVector(se.Vector)
		if err != nil {
			return fmt.Errorf("segment %s: %w", se.SegmentID, err)
		}
		err = c.Add(entities.EmbeddingEntry{
			SegmentID:       se.SegmentID,
			Vector:          vec,
			StartMs:         se.StartMs,
			EndMs:           se.EndMs,
			WindowClusterID: se.WindowClusterID,
			StreamRole:      se.StreamRole,
		})
		if err != nil {
			return fmt.Errorf("segment %s: %w", se.SegmentID, err)
		}
	}
	return nil
}

// EncodeVector packs a vector as base64 little-endian float32
func EncodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector reverses EncodeVector
func DecodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrInvalidEmbedding, err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a float32 multiple", entities.ErrInvalidEmbedding, len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
