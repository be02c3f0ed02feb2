package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/ingest"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
	"github.com/johnquangdev/meeting-session/internal/usecase/speaker"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// ErrResultNotReady is returned by Result before a finalize has persisted
var ErrResultNotReady = errors.New("finalize result not ready")

// Event sources that are not binding sources
const (
	eventSourceInference = "inference_resolve"
)

// Hello registers the stream and the session config carried by hello
func (a *Actor) Hello(ctx context.Context, role entities.StreamRole, cfg entities.SessionConfig) (entities.StreamState, error) {
	var view entities.StreamState
	err := a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		s, ok := st.streams[role]
		if !ok {
			return entities.ErrInvalidStreamRole
		}
		st.applyConfig(cfg)
		s.connected = true
		st.touch()
		view = st.streamView(role)
		return nil
	})
	return view, err
}

// IngestChunk sequences one chunk, stores it and forwards it to the relay.
// Acks come back in arrival order because the actor is FIFO.
func (a *Actor) IngestChunk(ctx context.Context, ch entities.AudioChunk) (ingest.ChunkOutcome, error) {
	var out ingest.ChunkOutcome
	err := a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		s, ok := st.streams[ch.StreamRole]
		if !ok {
			return entities.ErrInvalidStreamRole
		}

		v := ingest.CheckSeq(s.counters, ch.Seq)
		if v.Duplicate {
			ingest.ApplySeq(&s.counters, ch.Seq, v)
			out = ingest.ChunkOutcome{Status: ingest.AckDuplicate, Counters: s.counters}
			return nil
		}

		if err := a.deps.Blobs.Put(ctx, ch.Key(), ch.Data, "application/octet-stream"); err != nil {
			return apperrors.ErrStorageFailed("put_chunk", err)
		}
		ingest.ApplySeq(&s.counters, ch.Seq, v)
		if v.Gap > 0 {
			a.logger.Warn("⚠️ chunk gap detected",
				zap.String("stream_role", string(ch.StreamRole)),
				zap.Int64("seq", ch.Seq),
				zap.Int64("missing", v.Gap),
			)
		}
		if s.origin == nil {
			s.origin = &origin{Seq: ch.Seq, TsMs: ch.TimestampMs}
		}
		s.connected = true
		a.forward(s, ch)

		st.chunksSinceSnapshot++
		if st.chunksSinceSnapshot >= a.opts.SnapshotEveryChunks {
			a.writeSnapshot(ctx, st)
		}
		st.touch()
		out = ingest.ChunkOutcome{Status: ingest.AckStored, Counters: s.counters}
		return nil
	})
	return out, err
}

// forward pushes audio to the stream's relay, creating it on first use
func (a *Actor) forward(s *streamRuntime, ch entities.AudioChunk) {
	if a.deps.Dialer == nil {
		return
	}
	if s.relay == nil {
		s.relay = relay.New(a.ctx, s.role, a.opts.Relay, a.deps.Dialer, a.emitter(), a.logger)
	}
	if err := s.relay.Push(ch.Seq, ch.TimestampMs, ch.Data); errors.Is(err, relay.ErrClosed) {
		s.relay = relay.New(a.ctx, s.role, a.opts.Relay, a.deps.Dialer, a.emitter(), a.logger)
		_ = s.relay.Push(ch.Seq, ch.TimestampMs, ch.Data)
	}
}

func (a *Actor) emitter() relay.EmitFunc {
	return func(u entities.RawUtterance) {
		a.Post(func(st *state) { a.acceptUtterance(st, u) })
	}
}

// acceptUtterance appends a recognizer result and looks for self-introductions
func (a *Actor) acceptUtterance(st *state, u entities.RawUtterance) {
	if st.phase == entities.SessionPhaseFinalized {
		a.logger.Debug("late utterance after finalize dropped", zap.String("utterance_id", u.ID))
		return
	}
	st.raw = append(st.raw, u)
	st.touch()

	clusterID := u.ClusterID
	if clusterID == "" {
		clusterID, _ = speaker.ClusterForSpan(st.turns, u.StartMs, u.EndMs)
	}
	if clusterID != "" {
		a.bindExtractedName(st, clusterID, u.StreamRole, u.Text, u.StartMs, u.EndMs)
	}
}

// bindExtractedName records a name_extract binding when text names a roster member
func (a *Actor) bindExtractedName(st *state, clusterID string, role entities.StreamRole, text string, startMs, endMs int64) bool {
	for _, cand := range speaker.ExtractNames(text) {
		name, ok := speaker.MatchRoster(cand.Name, st.cfg.Roster)
		if !ok {
			continue
		}
		b := entities.ClusterBinding{
			ClusterID:       clusterID,
			ParticipantName: name,
			Source:          entities.BindingSourceNameExtract,
			Confidence:      cand.Confidence,
		}
		if !a.reconciler.Bind(st.bindings, b) {
			return false
		}
		st.events = append(st.events, newEvent(st.id, role, clusterID, name, entities.DecisionConfirm,
			string(entities.BindingSourceNameExtract), startMs, endMs, datatypes.JSONMap{
				"text":       text,
				"candidate":  cand.Name,
				"confidence": cand.Confidence,
			}))
		a.logger.Info("🏷️ name extracted", zap.String("cluster_id", clusterID), zap.String("name", name))
		return true
	}
	return false
}

// ReportCapture stores client capture health and returns the mixed composite
func (a *Actor) ReportCapture(ctx context.Context, role entities.StreamRole, health entities.CaptureHealth) (entities.CaptureState, error) {
	var composite entities.CaptureState
	err := a.Do(ctx, func(st *state) error {
		s, ok := st.streams[role]
		if !ok {
			return entities.ErrInvalidStreamRole
		}
		if s.capture.State != health.State {
			a.logger.Info("🎙️ capture state changed",
				zap.String("stream_role", string(role)),
				zap.String("from", string(s.capture.State)),
				zap.String("to", string(health.State)),
			)
		}
		if health.UpdatedAt.IsZero() {
			health.UpdatedAt = time.Now().UTC()
		}
		s.capture = health
		st.touch()
		composite = ingest.CompositeCapture(
			st.streams[entities.StreamRoleTeacher].capture.State,
			st.streams[entities.StreamRoleStudents].capture.State,
		)
		return nil
	})
	return composite, err
}

// StreamStatus returns the live view of one stream
func (a *Actor) StreamStatus(ctx context.Context, role entities.StreamRole) (entities.StreamState, error) {
	var view entities.StreamState
	err := a.Do(ctx, func(st *state) error {
		if _, ok := st.streams[role]; !ok {
			return entities.ErrInvalidStreamRole
		}
		view = st.streamView(role)
		return nil
	})
	return view, err
}

// CloseStream gracefully shuts down the stream's relay
func (a *Actor) CloseStream(ctx context.Context, role entities.StreamRole) error {
	var r *relay.Relay
	err := a.Do(ctx, func(st *state) error {
		s, ok := st.streams[role]
		if !ok {
			return entities.ErrInvalidStreamRole
		}
		r, s.relay = s.relay, nil
		s.connected = false
		return nil
	})
	if err != nil || r == nil {
		return err
	}
	return r.Close(ctx)
}

// Disconnect marks a stream as disconnected without closing its relay
func (a *Actor) Disconnect(role entities.StreamRole) {
	a.Post(func(st *state) {
		if s, ok := st.streams[role]; ok {
			s.connected = false
		}
	})
}

// Configure sets roster and interviewer
func (a *Actor) Configure(ctx context.Context, cfg entities.SessionConfig) (entities.SessionConfig, error) {
	var out entities.SessionConfig
	err := a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		st.applyConfig(cfg)
		st.touch()
		a.writeSnapshot(ctx, st)
		out = st.cfg
		out.Roster = append([]string(nil), st.cfg.Roster...)
		return nil
	})
	return out, err
}

// State returns a copy of the live session state
func (a *Actor) State(ctx context.Context) (entities.SessionState, error) {
	var view entities.SessionState
	err := a.Do(ctx, func(st *state) error {
		view = st.view()
		return nil
	})
	return view, err
}

// SetBinding records a manual binding. Manual bindings always apply.
func (a *Actor) SetBinding(ctx context.Context, clusterID, name string, locked bool) (entities.ClusterBinding, error) {
	var (
		out   entities.ClusterBinding
		event *entities.SpeakerEvent
	)
	err := a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		b := entities.ClusterBinding{
			ClusterID:       clusterID,
			ParticipantName: name,
			Source:          entities.BindingSourceManual,
			Locked:          locked,
			Confidence:      1,
		}
		a.reconciler.Bind(st.bindings, b)
		out = st.bindings[clusterID]
		event = newEvent(st.id, "", clusterID, name, entities.DecisionAuto, string(entities.BindingSourceManual), 0, 0,
			datatypes.JSONMap{"locked": locked})
		st.events = append(st.events, event)
		st.touch()
		a.writeSnapshot(ctx, st)
		return nil
	})
	if err == nil {
		a.saveEvents(ctx, event)
	}
	return out, err
}

// Enroll calls the enroll endpoint and stores the returned embedding as the
// participant's roster enrollment
func (a *Actor) Enroll(ctx context.Context, in EnrollInput) (EnrollOutput, error) {
	out := EnrollOutput{ParticipantName: in.ParticipantName}
	if err := a.Do(ctx, func(st *state) error { return a.checkLive(st) }); err != nil {
		return out, err
	}

	var resp enrollResponse
	res, err := a.deps.Inference.Call(ctx, inference.EndpointEnroll, enrollRequest{
		SessionID:       a.id,
		ParticipantName: in.ParticipantName,
		AudioB64:        in.AudioB64,
	}, &resp)
	if err != nil {
		return out, err
	}
	if len(resp.Embedding) != entities.EmbeddingDim {
		return out, fmt.Errorf("%w: enroll returned %d dims", entities.ErrInvalidEmbedding, len(resp.Embedding))
	}
	out.Backend = string(res.Backend)
	out.ClusterID = resp.ClusterID

	var event *entities.SpeakerEvent
	err = a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		st.enrollments[in.ParticipantName] = resp.Embedding
		st.cfg.Roster = dedupeNames(append(st.cfg.Roster, in.ParticipantName))
		if resp.ClusterID != "" {
			out.Bound = a.reconciler.Bind(st.bindings, entities.ClusterBinding{
				ClusterID:       resp.ClusterID,
				ParticipantName: in.ParticipantName,
				Source:          entities.BindingSourceEnrollment,
				Confidence:      1,
			})
		}
		event = newEvent(st.id, "", resp.ClusterID, in.ParticipantName, entities.DecisionConfirm,
			string(entities.BindingSourceEnrollment), 0, 0, datatypes.JSONMap{"backend": out.Backend, "bound": out.Bound})
		st.events = append(st.events, event)
		st.touch()
		a.writeSnapshot(ctx, st)
		return nil
	})
	if err == nil {
		a.saveEvents(ctx, event)
	}
	return out, err
}

// Resolve asks the inference backend who is speaking, caches the returned
// embedding and answers with the reconciled identity. Local bindings win
// over the backend's suggestion.
func (a *Actor) Resolve(ctx context.Context, in ResolveInput) (ResolveOutput, error) {
	var out ResolveOutput
	var roster []string
	if err := a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		roster = append([]string(nil), st.cfg.Roster...)
		return nil
	}); err != nil {
		return out, err
	}

	var resp resolveResponse
	res, err := a.deps.Inference.Call(ctx, inference.EndpointResolve, resolveRequest{
		SessionID:  a.id,
		StreamRole: in.StreamRole,
		StartMs:    in.StartMs,
		EndMs:      in.EndMs,
		AudioB64:   in.AudioB64,
		ASRText:    in.ASRText,
		Roster:     roster,
	}, &resp)
	if err != nil {
		return out, err
	}
	out.Backend = string(res.Backend)
	out.BackendName = resp.SpeakerName
	out.BackendDecision = resp.Decision

	var event *entities.SpeakerEvent
	err = a.Do(ctx, func(st *state) error {
		if err := a.checkLive(st); err != nil {
			return err
		}
		clusterID := resp.ClusterID
		if clusterID != "" {
			st.turns = append(st.turns, entities.DiarizationTurn{ClusterID: clusterID, StartMs: in.StartMs, EndMs: in.EndMs})
		} else {
			clusterID, _ = speaker.ClusterForSpan(st.turns, in.StartMs, in.EndMs)
		}

		evidence := datatypes.JSONMap{"backend": out.Backend, "confidence": resp.Confidence}
		if len(resp.Embedding) > 0 {
			segID := resp.SegmentID
			if segID == "" {
				segID = "seg_" + uuid.NewString()
			}
			addErr := st.cache.Add(entities.EmbeddingEntry{
				SegmentID:       segID,
				Vector:          resp.Embedding,
				StartMs:         in.StartMs,
				EndMs:           in.EndMs,
				WindowClusterID: clusterID,
				StreamRole:      in.StreamRole,
			})
			switch {
			case addErr == nil:
				out.EmbeddingCached = true
			case errors.Is(addErr, entities.ErrEmbeddingCacheFull):
				a.logger.Warn("⚠️ embedding cache full", zap.String("segment_id", segID), zap.Int64("used_bytes", st.cache.UsedBytes()))
				evidence["embedding_cache_full"] = true
			default:
				a.logger.Warn("⚠️ embedding rejected", zap.String("segment_id", segID), zap.Error(addErr))
				evidence["embedding_error"] = addErr.Error()
			}
		}

		if in.ASRText != "" && clusterID != "" {
			a.bindExtractedName(st, clusterID, in.StreamRole, in.ASRText, in.StartMs, in.EndMs)
		}

		event = newEvent(st.id, in.StreamRole, clusterID, resp.SpeakerName, resp.Decision, eventSourceInference,
			in.StartMs, in.EndMs, evidence)
		st.events = append(st.events, event)
		out.EventID = event.ID.String()
		out.Resolution = a.reconciler.Resolve(clusterID, st.bindings, event)
		st.touch()
		a.writeSnapshot(ctx, st)
		return nil
	})
	if err == nil {
		a.saveEvents(ctx, event)
	}
	return out, err
}

// RawUtterances lists recognizer output, optionally for one stream
func (a *Actor) RawUtterances(ctx context.Context, role entities.StreamRole) ([]entities.RawUtterance, error) {
	var raws []entities.RawUtterance
	err := a.Do(ctx, func(st *state) error {
		raws = filterRaw(st.raw, role)
		return nil
	})
	return raws, err
}

// MergedUtterances folds raw utterances and annotates them with speakers
func (a *Actor) MergedUtterances(ctx context.Context, role entities.StreamRole) ([]entities.MergedUtterance, error) {
	var (
		raws     []entities.RawUtterance
		turns    []entities.DiarizationTurn
		bindings map[string]entities.ClusterBinding
		events   []*entities.SpeakerEvent
	)
	err := a.Do(ctx, func(st *state) error {
		raws = filterRaw(st.raw, role)
		turns = st.copyTurns()
		bindings = st.copyBindings()
		events = st.copyEvents()
		return nil
	})
	if err != nil {
		return nil, err
	}
	merged := a.merger.MergeAll(raws)
	return a.reconciler.Annotate(merged, turns, bindings, events), nil
}

// Events returns the identity audit log
func (a *Actor) Events(ctx context.Context) ([]*entities.SpeakerEvent, error) {
	var events []*entities.SpeakerEvent
	err := a.Do(ctx, func(st *state) error {
		events = st.copyEvents()
		return nil
	})
	return events, err
}

// Result returns the finalize result from memory or the blob store
func (a *Actor) Result(ctx context.Context) (*entities.FinalizeResult, error) {
	var res *entities.FinalizeResult
	if err := a.Do(ctx, func(st *state) error {
		res = st.result
		return nil
	}); err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	data, err := a.deps.Blobs.Get(ctx, entities.ResultKey(a.id))
	if errors.Is(err, entities.ErrObjectNotFound) {
		return nil, ErrResultNotReady
	}
	if err != nil {
		return nil, apperrors.ErrStorageFailed("get_result", err)
	}
	res = &entities.FinalizeResult{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return res, nil
}

func (a *Actor) saveEvents(ctx context.Context, events ...*entities.SpeakerEvent) {
	if a.deps.Events == nil || len(events) == 0 {
		return
	}
	if err := a.deps.Events.SaveEvents(ctx, events); err != nil {
		a.logger.Warn("⚠️ failed to persist speaker events", zap.Error(err))
	}
}

func newEvent(sessionID string, role entities.StreamRole, clusterID, name string, d entities.Decision, source string, startMs, endMs int64, evidence datatypes.JSONMap) *entities.SpeakerEvent {
	if !d.IsValid() {
		d = entities.DecisionUnknown
		if name != "" {
			d = entities.DecisionConfirm
		}
	}
	return &entities.SpeakerEvent{
		ID:          uuid.New(),
		SessionID:   sessionID,
		StreamRole:  role,
		ClusterID:   clusterID,
		SpeakerName: name,
		Decision:    d,
		Source:      source,
		StartMs:     startMs,
		EndMs:       endMs,
		Evidence:    evidence,
		CreatedAt:   time.Now().UTC(),
	}
}

func filterRaw(raws []entities.RawUtterance, role entities.StreamRole) []entities.RawUtterance {
	out := make([]entities.RawUtterance, 0, len(raws))
	for _, u := range raws {
		if role == "" || u.StreamRole == role {
			out = append(out, u)
		}
	}
	return out
}
