package entities

import "fmt"

// Target audio format for every ingest chunk
const (
	TargetSampleRate = 16000
	TargetChannels   = 1
	TargetFormat     = "pcm_s16le"
	// ChunkBytes is one second of 16 kHz mono 16-bit PCM
	ChunkBytes = 32000
	// ChunkDurationMs is the audio covered by one chunk
	ChunkDurationMs = 1000
)

// AudioChunk is one immutable fixed-size PCM frame
type AudioChunk struct {
	SessionID   string     `json:"session_id"`
	StreamRole  StreamRole `json:"stream_role"`
	Seq         int64      `json:"seq"`
	TimestampMs int64      `json:"timestamp_ms"`
	Data        []byte     `json:"-"`
}

// Key returns the blob key for the chunk
func (c *AudioChunk) Key() string {
	return ChunkKey(c.SessionID, c.StreamRole, c.Seq)
}

// ChunkKey builds sessions/{id}/chunks/{stream}/{seq}. Seq is zero padded so
// lexical listing matches numeric order.
func ChunkKey(sessionID string, role StreamRole, seq int64) string {
	return fmt.Sprintf("%s%010d", ChunkPrefix(sessionID, role), seq)
}

// ChunkPrefix is the listing prefix for a stream's chunks
func ChunkPrefix(sessionID string, role StreamRole) string {
	return fmt.Sprintf("sessions/%s/chunks/%s/", sessionID, role)
}

// ResultKey is the blob key of the finalize result
func ResultKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/result.json", sessionID)
}

// SnapshotKey is the blob key of the actor snapshot
func SnapshotKey(sessionID string) string {
	return fmt.Sprintf("sessions/%s/snapshot.json", sessionID)
}
