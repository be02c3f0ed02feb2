package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"go.uber.org/zap"

	apperrors "github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/pkg/validator"
)

// fakeSession applies the sequencing rules the way the actor does
type fakeSession struct {
	counters map[entities.StreamRole]*entities.IngestCounters
	capture  map[entities.StreamRole]entities.CaptureState
	stored   []int64
	closed   []entities.StreamRole
	cfg      entities.SessionConfig
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		counters: map[entities.StreamRole]*entities.IngestCounters{},
		capture:  map[entities.StreamRole]entities.CaptureState{},
	}
}

func (f *fakeSession) ctr(role entities.StreamRole) *entities.IngestCounters {
	if f.counters[role] == nil {
		f.counters[role] = &entities.IngestCounters{}
	}
	return f.counters[role]
}

func (f *fakeSession) Hello(_ context.Context, role entities.StreamRole, cfg entities.SessionConfig) (entities.StreamState, error) {
	f.cfg = cfg
	return entities.StreamState{Role: role, Ingest: *f.ctr(role)}, nil
}

func (f *fakeSession) IngestChunk(_ context.Context, ch entities.AudioChunk) (ChunkOutcome, error) {
	c := f.ctr(ch.StreamRole)
	v := CheckSeq(*c, ch.Seq)
	ApplySeq(c, ch.Seq, v)
	if v.Duplicate {
		return ChunkOutcome{Status: AckDuplicate, Counters: *c}, nil
	}
	f.stored = append(f.stored, ch.Seq)
	return ChunkOutcome{Status: AckStored, Counters: *c}, nil
}

func (f *fakeSession) ReportCapture(_ context.Context, role entities.StreamRole, h entities.CaptureHealth) (entities.CaptureState, error) {
	f.capture[role] = h.State
	return CompositeCapture(f.capture[entities.StreamRoleTeacher], f.capture[entities.StreamRoleStudents]), nil
}

func (f *fakeSession) StreamStatus(_ context.Context, role entities.StreamRole) (entities.StreamState, error) {
	return entities.StreamState{Role: role, Ingest: *f.ctr(role)}, nil
}

func (f *fakeSession) CloseStream(_ context.Context, role entities.StreamRole) error {
	f.closed = append(f.closed, role)
	return nil
}

func (f *fakeSession) Disconnect(entities.StreamRole) {}

func newTestConn(role entities.StreamRole) (*Conn, *fakeSession) {
	s := newFakeSession()
	return NewConn("sess-1", role, s, validator.New(), zap.NewNop()), s
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func chunkFrame(t *testing.T, seq int64, size int) []byte {
	return mustJSON(t, map[string]interface{}{
		"type":         "chunk",
		"meeting_id":   "sess-1",
		"seq":          seq,
		"timestamp_ms": seq * 1000,
		"sample_rate":  16000,
		"channels":     1,
		"format":       "pcm_s16le",
		"content_b64":  base64.StdEncoding.EncodeToString(make([]byte, size)),
	})
}

func hello(t *testing.T, c *Conn) {
	t.Helper()
	reply, closeAfter := c.Handle(context.Background(), mustJSON(t, map[string]interface{}{
		"type": "hello", "stream_role": string(c.role), "interviewer_name": "Ms Lan", "roster": []string{"Alice", "Bob"},
	}))
	if closeAfter {
		t.Fatalf("hello should not close the channel")
	}
	ready, ok := reply.(ReadyFrame)
	if !ok {
		t.Fatalf("expected ready, got %#v", reply)
	}
	if ready.TargetSampleRate != 16000 || ready.TargetChannels != 1 || ready.TargetFormat != "pcm_s16le" {
		t.Fatalf("unexpected target format %+v", ready)
	}
}

func TestConn_StoredThenDuplicate(t *testing.T) {
	c, s := newTestConn(entities.StreamRoleStudents)
	hello(t, c)
	if len(s.cfg.Roster) != 2 || s.cfg.InterviewerName != "Ms Lan" {
		t.Fatalf("hello config not forwarded: %+v", s.cfg)
	}

	for seq := int64(1); seq <= 5; seq++ {
		reply, _ := c.Handle(context.Background(), chunkFrame(t, seq, entities.ChunkBytes))
		ack, ok := reply.(AckFrame)
		if !ok || ack.Status != AckStored || ack.Seq != seq {
			t.Fatalf("seq %d: unexpected reply %#v", seq, reply)
		}
	}
	reply, _ := c.Handle(context.Background(), chunkFrame(t, 3, entities.ChunkBytes))
	ack := reply.(AckFrame)
	if ack.Status != AckDuplicate || ack.DuplicateCount != 1 || ack.LastSeq != 5 || ack.MissingCount != 0 {
		t.Fatalf("unexpected duplicate ack %+v", ack)
	}
}

func TestConn_GapCountsMissingAndStores(t *testing.T) {
	c, s := newTestConn(entities.StreamRoleTeacher)
	hello(t, c)
	c.Handle(context.Background(), chunkFrame(t, 1, entities.ChunkBytes))
	reply, _ := c.Handle(context.Background(), chunkFrame(t, 4, entities.ChunkBytes))
	ack := reply.(AckFrame)
	if ack.Status != AckStored || ack.MissingCount != 2 || ack.LastSeq != 4 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if fmt.Sprint(s.stored) != "[1 4]" {
		t.Fatalf("stored = %v", s.stored)
	}
}

func TestConn_HelloRoleMismatchIsFatal(t *testing.T) {
	c, _ := newTestConn(entities.StreamRoleTeacher)
	reply, closeAfter := c.Handle(context.Background(), mustJSON(t, map[string]interface{}{
		"type": "hello", "stream_role": "students",
	}))
	ef, ok := reply.(ErrorFrame)
	if !ok || !ef.Fatal || !closeAfter || ef.Code != apperrors.ErrorCode_PROTOCOL_VIOLATION {
		t.Fatalf("expected fatal protocol violation, got %#v close=%v", reply, closeAfter)
	}
}

func TestConn_FrameBeforeHelloIsFatal(t *testing.T) {
	c, _ := newTestConn(entities.StreamRoleMixed)
	reply, closeAfter := c.Handle(context.Background(), chunkFrame(t, 1, entities.ChunkBytes))
	ef, ok := reply.(ErrorFrame)
	if !ok || !ef.Fatal || !closeAfter || ef.Code != apperrors.ErrorCode_HELLO_REQUIRED {
		t.Fatalf("expected fatal hello_required, got %#v close=%v", reply, closeAfter)
	}
}

func TestConn_ViolationsAfterHelloAreNonFatal(t *testing.T) {
	c, s := newTestConn(entities.StreamRoleStudents)
	hello(t, c)

	cases := []struct {
		name string
		data []byte
		code apperrors.ErrorCode
	}{
		{"unknown type", []byte(`{"type":"subscribe"}`), apperrors.ErrorCode_UNKNOWN_FRAME},
		{"malformed json", []byte(`{"type":`), apperrors.ErrorCode_PROTOCOL_VIOLATION},
		{"short chunk", chunkFrame(t, 1, 100), apperrors.ErrorCode_INVALID_CHUNK},
		{"wrong rate", mustJSON(t, map[string]interface{}{
			"type": "chunk", "seq": 1, "sample_rate": 44100, "channels": 1, "format": "pcm_s16le",
			"content_b64": base64.StdEncoding.EncodeToString(make([]byte, entities.ChunkBytes)),
		}), apperrors.ErrorCode_INVALID_CHUNK},
		{"zero seq", chunkFrame(t, 0, entities.ChunkBytes), apperrors.ErrorCode_INVALID_CHUNK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, closeAfter := c.Handle(context.Background(), tc.data)
			ef, ok := reply.(ErrorFrame)
			if !ok || ef.Fatal || closeAfter {
				t.Fatalf("expected non-fatal error, got %#v close=%v", reply, closeAfter)
			}
			if ef.Code != tc.code {
				t.Fatalf("code = %v, want %v", ef.Code, tc.code)
			}
		})
	}
	if len(s.stored) != 0 {
		t.Fatalf("rejected chunks must not be stored: %v", s.stored)
	}
	// channel still usable
	reply, _ := c.Handle(context.Background(), chunkFrame(t, 1, entities.ChunkBytes))
	if ack, ok := reply.(AckFrame); !ok || ack.Status != AckStored {
		t.Fatalf("expected stored ack after errors, got %#v", reply)
	}
}

func TestConn_CaptureStatusComposite(t *testing.T) {
	c, _ := newTestConn(entities.StreamRoleMixed)
	hello2 := mustJSON(t, map[string]interface{}{"type": "hello", "roster": []string{}})
	if _, closeAfter := c.Handle(context.Background(), hello2); closeAfter {
		t.Fatal("hello closed channel")
	}

	send := func(role, state string) AckFrame {
		reply, _ := c.Handle(context.Background(), mustJSON(t, map[string]interface{}{
			"type": "capture_status", "stream_role": role,
			"payload": map[string]interface{}{"capture_state": state, "recover_attempts": 1, "device": "usb"},
		}))
		ack, ok := reply.(AckFrame)
		if !ok {
			t.Fatalf("expected ack, got %#v", reply)
		}
		return ack
	}
	send("teacher", "running")
	ack := send("students", "recovering")
	if *ack.Composite != entities.CaptureStateRecovering {
		t.Fatalf("composite = %s", *ack.Composite)
	}
	ack = send("teacher", "failed")
	if *ack.Composite != entities.CaptureStateFailed {
		t.Fatalf("composite = %s", *ack.Composite)
	}

	reply, _ := c.Handle(context.Background(), mustJSON(t, map[string]interface{}{
		"type": "capture_status", "payload": map[string]interface{}{"capture_state": "paused"},
	}))
	if ef, ok := reply.(ErrorFrame); !ok || ef.Fatal {
		t.Fatalf("bad capture state should be a non-fatal error, got %#v", reply)
	}
}

func TestConn_PingStatusClose(t *testing.T) {
	c, s := newTestConn(entities.StreamRoleTeacher)
	hello(t, c)

	if reply, _ := c.Handle(context.Background(), []byte(`{"type":"ping"}`)); reply.(PongFrame).Type != FramePong {
		t.Fatalf("expected pong")
	}
	reply, _ := c.Handle(context.Background(), []byte(`{"type":"status"}`))
	if st, ok := reply.(StatusFrame); !ok || st.Stream.Role != entities.StreamRoleTeacher {
		t.Fatalf("unexpected status reply %#v", reply)
	}
	reply, closeAfter := c.Handle(context.Background(), []byte(`{"type":"close","reason":"done"}`))
	if _, ok := reply.(ClosingFrame); !ok || !closeAfter {
		t.Fatalf("expected closing frame and close, got %#v", reply)
	}
	if len(s.closed) != 1 || s.closed[0] != entities.StreamRoleTeacher {
		t.Fatalf("relay shutdown not requested: %v", s.closed)
	}
}

func TestHello_RoleMismatchIsFatal(t *testing.T) {
	c, _ := newTestConn(entities.StreamRoleTeacher)
	reply, closeAfter := c.Handle(context.Background(), []byte(`{"type":"hello","stream_role":"students"}`))
	if ef, ok := reply.(ErrorFrame); !ok || !ef.Fatal || !closeAfter {
		t.Fatalf("expected fatal error, got %#v", reply)
	}
}

func TestSequenceRules(t *testing.T) {
	var c entities.IngestCounters
	for _, seq := range []int64{1, 2, 2, 5, 3, 6, 9} {
		ApplySeq(&c, seq, CheckSeq(c, seq))
	}
	if c.LastSeq != 9 || c.DuplicateCount != 2 || c.MissingCount != 4 || c.StoredCount != 5 {
		t.Fatalf("unexpected counters %+v", c)
	}
}
