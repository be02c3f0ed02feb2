package session

import (
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// Request and response bodies of the inference endpoints

type resolveRequest struct {
	SessionID  string              `json:"session_id"`
	StreamRole entities.StreamRole `json:"stream_role"`
	StartMs    int64               `json:"start_ms"`
	EndMs      int64               `json:"end_ms"`
	AudioB64   string              `json:"audio_b64"`
	ASRText    string              `json:"asr_text,omitempty"`
	Roster     []string            `json:"roster"`
}

type resolveResponse struct {
	ClusterID   string            `json:"cluster_id"`
	SpeakerName string            `json:"speaker_name"`
	Decision    entities.Decision `json:"decision"`
	Confidence  float64           `json:"confidence"`
	SegmentID   string            `json:"segment_id"`
	Embedding   []float32         `json:"embedding"`
}

type enrollRequest struct {
	SessionID       string `json:"session_id"`
	ParticipantName string `json:"participant_name"`
	AudioB64        string `json:"audio_b64"`
}

type enrollResponse struct {
	ClusterID string    `json:"cluster_id"`
	Embedding []float32 `json:"embedding"`
}

type asrRequest struct {
	SessionID  string              `json:"session_id"`
	StreamRole entities.StreamRole `json:"stream_role"`
	StartSeq   int64               `json:"start_seq"`
	EndSeq     int64               `json:"end_seq"`
	StartMs    int64               `json:"start_ms"`
	SampleRate int                 `json:"sample_rate"`
	AudioB64   string              `json:"audio_b64"`
}

type asrResponse struct {
	Text string `json:"text"`
}

type reportRequest struct {
	SessionID  string                     `json:"session_id"`
	Roster     []string                   `json:"roster"`
	Transcript []entities.MergedUtterance `json:"transcript"`
	Stats      []entities.SpeakerStat     `json:"stats"`
	Events     []entities.AnalysisEvent   `json:"events"`
	Evidence   []entities.EvidenceRef     `json:"evidence"`
}

// ResolveInput is one live identity resolution request
type ResolveInput struct {
	StreamRole entities.StreamRole
	StartMs    int64
	EndMs      int64
	AudioB64   string
	ASRText    string
}

// ResolveOutput is the reconciled answer plus how it was produced
type ResolveOutput struct {
	Resolution      entities.Resolution `json:"resolution"`
	BackendName     string              `json:"backend_name,omitempty"`
	BackendDecision entities.Decision   `json:"backend_decision,omitempty"`
	Backend         string              `json:"backend"`
	EmbeddingCached bool                `json:"embedding_cached"`
	EventID         string              `json:"event_id"`
}

// EnrollInput is one roster enrollment
type EnrollInput struct {
	ParticipantName string
	AudioB64        string
}

// EnrollOutput reports what enrollment recorded
type EnrollOutput struct {
	ParticipantName string `json:"participant_name"`
	ClusterID       string `json:"cluster_id,omitempty"`
	Bound           bool   `json:"bound"`
	Backend         string `json:"backend"`
}
