package ingest

import (
	"context"
	"encoding/base64"
	stdErrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/pkg/validator"
)

var (
	// ErrUnknownFrame is wrapped by Decode for unrecognised frame types
	ErrUnknownFrame = stdErrors.New("unknown frame type")
	// ErrRoleMismatch is returned when a frame names another stream role
	ErrRoleMismatch = stdErrors.New("stream role does not match channel")
)

// ChunkOutcome is the session's answer to one chunk
type ChunkOutcome struct {
	Status   AckStatus
	Counters entities.IngestCounters
}

// Session is the slice of the session actor the gateway drives. Every call
// is serialized by the actor.
type Session interface {
	Hello(ctx context.Context, role entities.StreamRole, cfg entities.SessionConfig) (entities.StreamState, error)
	IngestChunk(ctx context.Context, chunk entities.AudioChunk) (ChunkOutcome, error)
	ReportCapture(ctx context.Context, role entities.StreamRole, health entities.CaptureHealth) (entities.CaptureState, error)
	StreamStatus(ctx context.Context, role entities.StreamRole) (entities.StreamState, error)
	CloseStream(ctx context.Context, role entities.StreamRole) error
	Disconnect(role entities.StreamRole)
}

// Conn is the protocol state of one ingest channel
type Conn struct {
	sessionID string
	role      entities.StreamRole
	session   Session
	validate  *validator.CustomValidator
	logger    *zap.Logger
	helloSeen bool
}

// NewConn creates the protocol handler for (session, role)
func NewConn(sessionID string, role entities.StreamRole, session Session, v *validator.CustomValidator, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if v == nil {
		v = validator.New()
	}
	return &Conn{
		sessionID: sessionID,
		role:      role,
		session:   session,
		validate:  v,
		logger:    logger.With(zap.String("session_id", sessionID), zap.String("stream_role", string(role))),
	}
}

// Handle processes one inbound frame. It returns the reply and whether the
// channel must be closed after writing it.
func (c *Conn) Handle(ctx context.Context, data []byte) (interface{}, bool) {
	frame, kind, err := Decode(data)
	if err != nil {
		if stdErrors.Is(err, ErrUnknownFrame) {
			return c.reject(apperrors.ErrUnknownFrame(string(kind)), 0)
		}
		return c.reject(apperrors.ErrProtocolViolation(err.Error()), 0)
	}

	if !c.helloSeen && kind != FrameHello {
		return c.reject(apperrors.ErrHelloRequired(), 0)
	}

	switch kind {
	case FrameHello:
		return c.onHello(ctx, frame.(*HelloFrame))
	case FrameChunk:
		return c.onChunk(ctx, frame.(*ChunkFrame))
	case FrameCaptureStatus:
		return c.onCapture(ctx, frame.(*CaptureStatusFrame))
	case FrameStatus:
		st, err := c.session.StreamStatus(ctx, c.role)
		if err != nil {
			return c.reject(err, 0)
		}
		return StatusFrame{Type: FrameStatus, Stream: st}, false
	case FramePing:
		return PongFrame{Type: FramePong}, false
	case FrameClose:
		return c.onClose(ctx, frame.(*CloseFrame))
	}
	return c.reject(apperrors.ErrUnknownFrame(string(kind)), 0)
}

func (c *Conn) onHello(ctx context.Context, f *HelloFrame) (interface{}, bool) {
	if err := c.validate.Validate(f); err != nil {
		return c.reject(apperrors.ErrProtocolViolation(validator.Describe(err)), 0)
	}
	if f.StreamRole != "" && entities.StreamRole(f.StreamRole) != c.role {
		return c.reject(apperrors.ErrProtocolViolation(ErrRoleMismatch.Error()), 0)
	}
	st, err := c.session.Hello(ctx, c.role, entities.SessionConfig{
		Roster:          f.Roster,
		InterviewerName: f.InterviewerName,
	})
	if err != nil {
		return c.reject(err, 0)
	}
	c.helloSeen = true
	c.logger.Info("👋 ingest stream ready", zap.Int64("last_seq", st.Ingest.LastSeq))
	return ReadyFrame{
		Type:             FrameReady,
		SessionID:        c.sessionID,
		StreamRole:       c.role,
		TargetSampleRate: entities.TargetSampleRate,
		TargetChannels:   entities.TargetChannels,
		TargetFormat:     entities.TargetFormat,
		ChunkBytes:       entities.ChunkBytes,
		IngestStatus:     st.Ingest,
	}, false
}

func (c *Conn) onChunk(ctx context.Context, f *ChunkFrame) (interface{}, bool) {
	data, err := ValidateChunk(c.validate, f)
	if err != nil {
		return c.reject(err, f.Seq)
	}
	out, err := c.session.IngestChunk(ctx, entities.AudioChunk{
		SessionID:   c.sessionID,
		StreamRole:  c.role,
		Seq:         f.Seq,
		TimestampMs: f.TimestampMs,
		Data:        data,
	})
	if err != nil {
		return c.reject(err, f.Seq)
	}
	return AckFrame{
		Type:           FrameAck,
		Seq:            f.Seq,
		Status:         out.Status,
		LastSeq:        out.Counters.LastSeq,
		MissingCount:   out.Counters.MissingCount,
		DuplicateCount: out.Counters.DuplicateCount,
	}, false
}

func (c *Conn) onCapture(ctx context.Context, f *CaptureStatusFrame) (interface{}, bool) {
	if err := c.validate.Validate(f); err != nil {
		return c.reject(apperrors.ErrProtocolViolation(validator.Describe(err)), 0)
	}
	role := c.role
	if f.StreamRole != "" {
		role = entities.StreamRole(f.StreamRole)
	}
	state := entities.CaptureState(f.Payload.CaptureState)
	composite, err := c.session.ReportCapture(ctx, role, entities.CaptureHealth{
		State:           state,
		RecoverAttempts: f.Payload.RecoverAttempts,
		Detail:          f.Payload.Extra,
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return c.reject(err, 0)
	}
	return AckFrame{Type: FrameAck, Status: AckAccepted, CaptureState: state, Composite: &composite}, false
}

func (c *Conn) onClose(ctx context.Context, f *CloseFrame) (interface{}, bool) {
	if err := c.session.CloseStream(ctx, c.role); err != nil {
		c.logger.Warn("⚠️ relay shutdown on close failed", zap.Error(err))
	}
	c.logger.Info("🔌 ingest stream closing", zap.String("reason", f.Reason))
	return ClosingFrame{Type: FrameClosing, Reason: f.Reason}, true
}

// Disconnect marks the stream as gone when the socket drops
func (c *Conn) Disconnect() {
	if c.helloSeen {
		c.session.Disconnect(c.role)
	}
}

// reject turns err into an error frame. Only violations before hello are fatal.
func (c *Conn) reject(err error, seq int64) (interface{}, bool) {
	appErr := toAppError(err)
	fatal := !c.helloSeen && isProtocolCode(appErr.Code)
	if fatal {
		c.logger.Warn("🚫 protocol violation before hello", zap.String("message", appErr.Message))
	} else {
		c.logger.Debug("frame rejected", zap.Stringer("code", appErr.Code), zap.String("message", appErr.Message))
	}
	return ErrorFrame{
		Type:    FrameError,
		Code:    appErr.Code,
		Message: appErr.Message,
		Fatal:   fatal,
		Seq:     seq,
	}, fatal
}

func isProtocolCode(code apperrors.ErrorCode) bool {
	switch code {
	case apperrors.ErrorCode_PROTOCOL_VIOLATION, apperrors.ErrorCode_HELLO_REQUIRED,
		apperrors.ErrorCode_INVALID_CHUNK, apperrors.ErrorCode_UNKNOWN_FRAME:
		return true
	}
	return false
}

func toAppError(err error) apperrors.AppError {
	var appErr apperrors.AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}
	switch {
	case stdErrors.Is(err, entities.ErrSessionFrozen), stdErrors.Is(err, entities.ErrSessionRetired):
		return apperrors.ErrSessionFrozen("")
	case stdErrors.Is(err, entities.ErrSessionFinalizing):
		return apperrors.ErrSessionFinalizing("")
	}
	return apperrors.ErrInternal(err)
}

// ValidateChunk checks the declared audio format and frame size and returns the PCM bytes
func ValidateChunk(v *validator.CustomValidator, f *ChunkFrame) ([]byte, error) {
	if err := v.Validate(f); err != nil {
		return nil, apperrors.ErrInvalidChunk(validator.Describe(err))
	}
	if f.SampleRate != entities.TargetSampleRate {
		return nil, apperrors.ErrInvalidChunk(fmt.Sprintf("sample_rate must be %d", entities.TargetSampleRate))
	}
	if f.Channels != entities.TargetChannels {
		return nil, apperrors.ErrInvalidChunk(fmt.Sprintf("channels must be %d", entities.TargetChannels))
	}
	if f.Format != entities.TargetFormat {
		return nil, apperrors.ErrInvalidChunk(fmt.Sprintf("format must be %s", entities.TargetFormat))
	}
	data, err := base64.StdEncoding.DecodeString(f.ContentB64)
	if err != nil {
		return nil, apperrors.ErrInvalidChunk("content_b64 is not valid base64")
	}
	if len(data) != entities.ChunkBytes {
		return nil, apperrors.ErrInvalidChunk(fmt.Sprintf("chunk must be exactly %d bytes, got %d", entities.ChunkBytes, len(data)))
	}
	return data, nil
}
