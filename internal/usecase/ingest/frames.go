package ingest

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// FrameType is the "type" discriminator of every ingest frame
type FrameType string

// Client -> server
const (
	FrameHello         FrameType = "hello"
	FrameChunk         FrameType = "chunk"
	FrameStatus        FrameType = "status"
	FramePing          FrameType = "ping"
	FrameCaptureStatus FrameType = "capture_status"
	FrameClose         FrameType = "close"
)

// Server -> client
const (
	FrameReady   FrameType = "ready"
	FrameAck     FrameType = "ack"
	FramePong    FrameType = "pong"
	FrameError   FrameType = "error"
	FrameClosing FrameType = "closing"
)

// AckStatus is the outcome of a chunk
type AckStatus string

const (
	AckStored    AckStatus = "stored"
	AckDuplicate AckStatus = "duplicate"
	AckAccepted  AckStatus = "accepted"
)

type envelope struct {
	Type FrameType `json:"type"`
}

// HelloFrame opens a stream and registers the session config
type HelloFrame struct {
	Type            FrameType `json:"type"`
	StreamRole      string    `json:"stream_role" validate:"omitempty,stream_role"`
	InterviewerName string    `json:"interviewer_name" validate:"max=128"`
	Roster          []string  `json:"roster" validate:"max=64,dive,required,max=128"`
}

// ChunkFrame carries one base64 PCM frame
type ChunkFrame struct {
	Type        FrameType `json:"type"`
	MeetingID   string    `json:"meeting_id"`
	Seq         int64     `json:"seq" validate:"gte=1"`
	TimestampMs int64     `json:"timestamp_ms" validate:"gte=0"`
	SampleRate  int       `json:"sample_rate" validate:"required"`
	Channels    int       `json:"channels" validate:"required"`
	Format      string    `json:"format" validate:"required"`
	ContentB64  string    `json:"content_b64" validate:"required,base64"`
}

// CaptureStatusFrame is a client-side capture health report
type CaptureStatusFrame struct {
	Type       FrameType      `json:"type"`
	StreamRole string         `json:"stream_role" validate:"omitempty,stream_role"`
	Payload    CapturePayload `json:"payload"`
}

// CapturePayload is the body of a capture_status frame
type CapturePayload struct {
	CaptureState    string                 `json:"capture_state" validate:"required,capture_state"`
	RecoverAttempts int                    `json:"recover_attempts" validate:"gte=0"`
	Extra           map[string]interface{} `json:"-"`
}

// UnmarshalJSON keeps unknown payload keys as detail
func (p *CapturePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["capture_state"].(string); ok {
		p.CaptureState = v
	}
	if v, ok := raw["recover_attempts"].(float64); ok {
		p.RecoverAttempts = int(v)
	}
	delete(raw, "capture_state")
	delete(raw, "recover_attempts")
	if len(raw) > 0 {
		p.Extra = raw
	}
	return nil
}

// CloseFrame asks for a graceful stream shutdown
type CloseFrame struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

// ReadyFrame answers hello
type ReadyFrame struct {
	Type             FrameType               `json:"type"`
	SessionID        string                  `json:"session_id"`
	StreamRole       entities.StreamRole     `json:"stream_role"`
	TargetSampleRate int                     `json:"target_sample_rate"`
	TargetChannels   int                     `json:"target_channels"`
	TargetFormat     string                  `json:"target_format"`
	ChunkBytes       int                     `json:"chunk_bytes"`
	IngestStatus     entities.IngestCounters `json:"ingest_status"`
}

// AckFrame answers chunk and capture_status
type AckFrame struct {
	Type           FrameType              `json:"type"`
	Seq            int64                  `json:"seq,omitempty"`
	Status         AckStatus              `json:"status"`
	LastSeq        int64                  `json:"last_seq"`
	MissingCount   int64                  `json:"missing_count"`
	DuplicateCount int64                  `json:"duplicate_count"`
	CaptureState   entities.CaptureState  `json:"capture_state,omitempty"`
	Composite      *entities.CaptureState `json:"mixed_capture_state,omitempty"`
}

// StatusFrame answers status with the live stream view
type StatusFrame struct {
	Type   FrameType            `json:"type"`
	Stream entities.StreamState `json:"stream"`
}

// PongFrame answers ping
type PongFrame struct {
	Type FrameType `json:"type"`
}

// ClosingFrame precedes a graceful channel close
type ClosingFrame struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason,omitempty"`
}

// ErrorFrame reports a rejected frame. Fatal errors close the channel.
type ErrorFrame struct {
	Type    FrameType           `json:"type"`
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Fatal   bool                `json:"fatal"`
	Seq     int64               `json:"seq,omitempty"`
}

// Decode reads the type discriminator and decodes into the matching frame
func Decode(data []byte) (interface{}, FrameType, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("malformed frame: %w", err)
	}
	var frame interface{}
	switch env.Type {
	case FrameHello:
		frame = &HelloFrame{}
	case FrameChunk:
		frame = &ChunkFrame{}
	case FrameCaptureStatus:
		frame = &CaptureStatusFrame{}
	case FrameClose:
		frame = &CloseFrame{}
	case FramePing, FrameStatus:
		return nil, env.Type, nil
	default:
		return nil, env.Type, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, env.Type, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return frame, env.Type, nil
}
