package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/clustering"
)

type streamSnapshot struct {
	Ingest  entities.IngestCounters `json:"ingest"`
	Capture entities.CaptureHealth  `json:"capture"`
	Origin  *origin                 `json:"origin,omitempty"`
}

type snapshotDoc struct {
	SessionID   string                                 `json:"session_id"`
	Phase       entities.SessionPhase                  `json:"phase"`
	Config      entities.SessionConfig                 `json:"config"`
	Streams     map[entities.StreamRole]streamSnapshot `json:"streams"`
	Raw         []entities.RawUtterance                `json:"raw_utterances"`
	Bindings    []entities.ClusterBinding              `json:"bindings"`
	Events      []*entities.SpeakerEvent               `json:"events"`
	Turns       []entities.DiarizationTurn             `json:"turns"`
	Enrollments map[string]string                      `json:"enrollments"`
	Embeddings  *clustering.EmbeddingCache             `json:"embeddings"`
	CreatedAt   time.Time                              `json:"created_at"`
	UpdatedAt   time.Time                              `json:"updated_at"`
}

func (st *state) snapshot() snapshotDoc {
	doc := snapshotDoc{
		SessionID:   st.id,
		Phase:       st.phase,
		Config:      st.cfg,
		Streams:     make(map[entities.StreamRole]streamSnapshot, len(st.streams)),
		Raw:         st.raw,
		Bindings:    st.bindingList(),
		Events:      st.events,
		Turns:       st.turns,
		Enrollments: make(map[string]string, len(st.enrollments)),
		Embeddings:  st.cache,
		CreatedAt:   st.createdAt,
		UpdatedAt:   st.updatedAt,
	}
	for role, s := range st.streams {
		doc.Streams[role] = streamSnapshot{Ingest: s.counters, Capture: s.capture, Origin: s.origin}
	}
	for name, vec := range st.enrollments {
		doc.Enrollments[name] = clustering.EncodeVector(vec)
	}
	return doc
}

// writeSnapshot runs on the actor loop so snapshots are written in order
func (a *Actor) writeSnapshot(ctx context.Context, st *state) {
	data, err := json.Marshal(st.snapshot())
	if err != nil {
		a.logger.Error("❌ failed to encode snapshot", zap.Error(err))
		return
	}
	if err := a.deps.Blobs.Put(ctx, entities.SnapshotKey(st.id), data, "application/json"); err != nil {
		a.logger.Warn("⚠️ failed to write snapshot", zap.Error(err))
		return
	}
	st.chunksSinceSnapshot = 0
}

// rehydrate restores state from the last snapshot. A missing snapshot is not an error.
func (a *Actor) rehydrate(ctx context.Context) error {
	data, err := a.deps.Blobs.Get(ctx, entities.SnapshotKey(a.id))
	if errors.Is(err, entities.ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	doc := snapshotDoc{Embeddings: clustering.NewEmbeddingCache(a.opts.EmbeddingCacheBytes)}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	st := newState(a.id, a.opts.EmbeddingCacheBytes)
	st.phase = doc.Phase
	if st.phase == entities.SessionPhaseFinalizing {
		// a crash mid-finalize leaves the session live so it can be finalized again
		st.phase = entities.SessionPhaseLive
	}
	st.cfg = doc.Config
	for role, ss := range doc.Streams {
		if s, ok := st.streams[role]; ok {
			s.counters = ss.Ingest
			s.capture = ss.Capture
			s.origin = ss.Origin
		}
	}
	st.raw = doc.Raw
	for _, b := range doc.Bindings {
		st.bindings[b.ClusterID] = b
	}
	st.events = doc.Events
	st.turns = doc.Turns
	for name, enc := range doc.Enrollments {
		vec, err := clustering.DecodeVector(enc)
		if err != nil {
			return fmt.Errorf("enrollment %s: %w", name, err)
		}
		st.enrollments[name] = vec
	}
	if doc.Embeddings != nil {
		st.cache = doc.Embeddings
	}
	if !doc.CreatedAt.IsZero() {
		st.createdAt = doc.CreatedAt
	}
	st.updatedAt = doc.UpdatedAt
	a.st = st

	a.logger.Info("♻️ session rehydrated from snapshot",
		zap.String("phase", string(st.phase)),
		zap.Int("raw_utterances", len(st.raw)),
		zap.Int("embeddings", st.cache.Len()),
	)
	return nil
}
