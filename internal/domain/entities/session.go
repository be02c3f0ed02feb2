package entities

import "time"

// StreamRole identifies one independent audio channel within a session
type StreamRole string

const (
	StreamRoleMixed    StreamRole = "mixed"
	StreamRoleTeacher  StreamRole = "teacher"
	StreamRoleStudents StreamRole = "students"
)

// StreamRoles lists every role in display order
var StreamRoles = []StreamRole{StreamRoleMixed, StreamRoleTeacher, StreamRoleStudents}

// IsValid checks if the stream role is valid
func (r StreamRole) IsValid() bool {
	switch r {
	case StreamRoleMixed, StreamRoleTeacher, StreamRoleStudents:
		return true
	}
	return false
}

// CaptureState is the client-reported capture health of a stream
type CaptureState string

const (
	CaptureStateIdle       CaptureState = "idle"
	CaptureStateRunning    CaptureState = "running"
	CaptureStateRecovering CaptureState = "recovering"
	CaptureStateFailed     CaptureState = "failed"
)

// IsValid checks if the capture state is valid
func (s CaptureState) IsValid() bool {
	return s.Severity() >= 0
}

// Severity orders capture states from healthy to worst. Idle ranks below
// running so that a composite of one idle and one running stream reads as running.
func (s CaptureState) Severity() int {
	switch s {
	case CaptureStateIdle:
		return 0
	case CaptureStateRunning:
		return 1
	case CaptureStateRecovering:
		return 2
	case CaptureStateFailed:
		return 3
	}
	return -1
}

// CaptureHealth is the last capture_status report for a stream
type CaptureHealth struct {
	State           CaptureState           `json:"capture_state"`
	RecoverAttempts int                    `json:"recover_attempts"`
	Detail          map[string]interface{} `json:"detail,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// IngestCounters tracks per-stream sequencing
type IngestCounters struct {
	LastSeq        int64 `json:"last_seq"`
	StoredCount    int64 `json:"stored_count"`
	DuplicateCount int64 `json:"duplicate_count"`
	MissingCount   int64 `json:"missing_count"`
}

// RelayState is the connection state of a realtime recognition relay
type RelayState string

const (
	RelayStateDisconnected RelayState = "disconnected"
	RelayStateConnecting   RelayState = "connecting"
	RelayStateRunning      RelayState = "running"
	RelayStateBackoff      RelayState = "backoff"
	RelayStateClosed       RelayState = "closed"
)

// RecognitionStatus is the polled view of one stream's relay
type RecognitionStatus struct {
	State         RelayState `json:"state"`
	Reconnects    int        `json:"reconnects"`
	QueueDepth    int        `json:"queue_depth"`
	SentFrames    int64      `json:"sent_frames"`
	EmittedCount  int64      `json:"emitted_count"`
	DroppedFrames int64      `json:"dropped_frames"`
	LatencyP50Ms  float64    `json:"latency_p50_ms"`
	LatencyP95Ms  float64    `json:"latency_p95_ms"`
	LastError     string     `json:"last_error,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// SessionConfig is the roster and interviewer set via /config or hello
type SessionConfig struct {
	Roster          []string `json:"roster"`
	InterviewerName string   `json:"interviewer_name,omitempty"`
}

// SessionPhase is the lifecycle of a session actor
type SessionPhase string

const (
	SessionPhaseLive       SessionPhase = "live"
	SessionPhaseFinalizing SessionPhase = "finalizing"
	SessionPhaseFinalized  SessionPhase = "finalized"
)

// StreamState is the live view of a single stream
type StreamState struct {
	Role        StreamRole        `json:"stream_role"`
	Connected   bool              `json:"connected"`
	Ingest      IngestCounters    `json:"ingest"`
	Capture     CaptureHealth     `json:"capture"`
	Recognition RecognitionStatus `json:"recognition"`
}

// SessionState is a copy of the actor's canonical state for read endpoints
type SessionState struct {
	SessionID      string                     `json:"session_id"`
	Phase          SessionPhase               `json:"phase"`
	Config         SessionConfig              `json:"config"`
	Streams        map[StreamRole]StreamState `json:"streams"`
	Bindings       []ClusterBinding           `json:"bindings"`
	RawCount       int                        `json:"raw_utterance_count"`
	EventCount     int                        `json:"event_count"`
	EmbeddingCount int                        `json:"embedding_count"`
	EmbeddingBytes int64                      `json:"embedding_bytes"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}
