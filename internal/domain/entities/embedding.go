package entities

// EmbeddingDim is the speaker embedding width
const EmbeddingDim = 512

// EmbeddingEntry is one per-segment speaker embedding
type EmbeddingEntry struct {
	SegmentID       string     `json:"segment_id"`
	Vector          []float32  `json:"-"`
	StartMs         int64      `json:"start_ms"`
	EndMs           int64      `json:"end_ms"`
	WindowClusterID string     `json:"window_cluster_id"`
	StreamRole      StreamRole `json:"stream_role"`
}

// GlobalSpeaker is one cluster produced by global clustering
type GlobalSpeaker struct {
	ClusterID   string    `json:"cluster_id"`
	DisplayName string    `json:"display_name"`
	RosterMatch bool      `json:"roster_match"`
	Similarity  float64   `json:"similarity,omitempty"`
	SegmentIDs  []string  `json:"segment_ids"`
	WindowIDs   []string  `json:"window_cluster_ids"`
	FirstMs     int64     `json:"first_ms"`
	Centroid    []float32 `json:"-"`
}
