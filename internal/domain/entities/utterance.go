package entities

import "time"

// UtteranceSource tells where a raw utterance came from
type UtteranceSource string

const (
	UtteranceSourceRealtime UtteranceSource = "realtime"
	UtteranceSourceReplay   UtteranceSource = "replay"
)

// RawUtterance is one recognizer output unit. Append-only per stream.
type RawUtterance struct {
	ID         string          `json:"id"`
	StreamRole StreamRole      `json:"stream_role"`
	StartSeq   int64           `json:"start_seq"`
	EndSeq     int64           `json:"end_seq"`
	StartMs    int64           `json:"start_ms"`
	EndMs      int64           `json:"end_ms"`
	Text       string          `json:"text"`
	Source     UtteranceSource `json:"source"`
	ClusterID  string          `json:"cluster_id,omitempty"`
	LatencyMs  int64           `json:"latency_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MergedUtterance folds one or more raw utterances into a single record
type MergedUtterance struct {
	ID          string     `json:"id"`
	StreamRole  StreamRole `json:"stream_role"`
	StartSeq    int64      `json:"start_seq"`
	EndSeq      int64      `json:"end_seq"`
	StartMs     int64      `json:"start_ms"`
	EndMs       int64      `json:"end_ms"`
	Text        string     `json:"text"`
	RawIDs      []string   `json:"raw_ids"`
	ClusterID   string     `json:"cluster_id,omitempty"`
	SpeakerName string     `json:"speaker_name,omitempty"`
	Decision    Decision   `json:"decision,omitempty"`
}

// DiarizationTurn is one "who spoke when" segment
type DiarizationTurn struct {
	ClusterID string `json:"cluster_id"`
	StartMs   int64  `json:"start_ms"`
	EndMs     int64  `json:"end_ms"`
}
