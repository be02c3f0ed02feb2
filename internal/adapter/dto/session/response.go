package session

import (
	"time"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// StreamResponse is the live view of one stream
type StreamResponse struct {
	StreamRole  string                     `json:"stream_role"`
	Connected   bool                       `json:"connected"`
	Ingest      entities.IngestCounters    `json:"ingest"`
	Capture     entities.CaptureHealth     `json:"capture"`
	Recognition entities.RecognitionStatus `json:"recognition"`
}

// StateResponse is returned by GET /state
type StateResponse struct {
	SessionID  string                    `json:"session_id"`
	Phase      string                    `json:"phase"`
	Config     entities.SessionConfig    `json:"config"`
	Streams    []StreamResponse          `json:"streams"`
	Bindings   []entities.ClusterBinding `json:"bindings"`
	RawCount   int                       `json:"raw_utterance_count"`
	EventCount int                       `json:"event_count"`
	Embeddings EmbeddingUsage            `json:"embeddings"`
	Backends   []inference.HealthState   `json:"backends"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// EmbeddingUsage reports cache occupancy
type EmbeddingUsage struct {
	Count     int   `json:"count"`
	UsedBytes int64 `json:"used_bytes"`
}

// ResolveResponse wraps the reconciled identity
type ResolveResponse struct {
	ClusterID       string `json:"cluster_id"`
	SpeakerName     string `json:"speaker_name"`
	Decision        string `json:"decision"`
	Source          string `json:"source,omitempty"`
	Reason          string `json:"reason"`
	BackendName     string `json:"backend_name,omitempty"`
	BackendDecision string `json:"backend_decision,omitempty"`
	Backend         string `json:"backend"`
	EmbeddingCached bool   `json:"embedding_cached"`
	EventID         string `json:"event_id"`
	Replayed        bool   `json:"idempotent_replay"`
}

// UtterancesResponse lists one transcript view
type UtterancesResponse struct {
	View       string      `json:"view"`
	StreamRole string      `json:"stream_role,omitempty"`
	Count      int         `json:"count"`
	Items      interface{} `json:"items"`
}

// EventsResponse lists the identity audit log
type EventsResponse struct {
	Count  int                      `json:"count"`
	Events []*entities.SpeakerEvent `json:"events"`
}

// BackendsHealthResponse is the circuit registry snapshot
type BackendsHealthResponse struct {
	Backends []inference.HealthState `json:"backends"`
}
