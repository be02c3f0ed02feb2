package session

import (
	"sort"
	"time"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	"github.com/johnquangdev/meeting-session/internal/usecase/clustering"
	"github.com/johnquangdev/meeting-session/internal/usecase/ingest"
	"github.com/johnquangdev/meeting-session/internal/usecase/relay"
)

// origin anchors seq numbers to the stream's client timeline
type origin struct {
	Seq  int64 `json:"seq"`
	TsMs int64 `json:"ts_ms"`
}

type streamRuntime struct {
	role      entities.StreamRole
	connected bool
	counters  entities.IngestCounters
	capture   entities.CaptureHealth
	origin    *origin
	relay     *relay.Relay
}

// msForSeq maps a seq to its start time on the stream timeline
func (s *streamRuntime) msForSeq(seq int64) int64 {
	if s.origin == nil {
		return (seq - 1) * entities.ChunkDurationMs
	}
	return s.origin.TsMs + (seq-s.origin.Seq)*entities.ChunkDurationMs
}

// state is only touched from the actor loop
type state struct {
	id          string
	phase       entities.SessionPhase
	cfg         entities.SessionConfig
	streams     map[entities.StreamRole]*streamRuntime
	raw         []entities.RawUtterance
	bindings    map[string]entities.ClusterBinding
	events      []*entities.SpeakerEvent
	turns       []entities.DiarizationTurn
	cache       *clustering.EmbeddingCache
	enrollments map[string][]float32
	result      *entities.FinalizeResult

	chunksSinceSnapshot int
	createdAt           time.Time
	updatedAt           time.Time
}

func newState(id string, cacheBytes int64) *state {
	now := time.Now().UTC()
	st := &state{
		id:          id,
		phase:       entities.SessionPhaseLive,
		streams:     make(map[entities.StreamRole]*streamRuntime, len(entities.StreamRoles)),
		bindings:    make(map[string]entities.ClusterBinding),
		cache:       clustering.NewEmbeddingCache(cacheBytes),
		enrollments: make(map[string][]float32),
		createdAt:   now,
		updatedAt:   now,
	}
	for _, r := range entities.StreamRoles {
		st.streams[r] = &streamRuntime{role: r, capture: entities.CaptureHealth{State: entities.CaptureStateIdle}}
	}
	return st
}

func (st *state) touch() { st.updatedAt = time.Now().UTC() }

// applyConfig overlays non-empty fields
func (st *state) applyConfig(cfg entities.SessionConfig) {
	if len(cfg.Roster) > 0 {
		st.cfg.Roster = dedupeNames(cfg.Roster)
	}
	if cfg.InterviewerName != "" {
		st.cfg.InterviewerName = cfg.InterviewerName
	}
}

func (st *state) detachRelays() []*relay.Relay {
	var out []*relay.Relay
	for _, r := range entities.StreamRoles {
		s := st.streams[r]
		if s.relay != nil {
			out = append(out, s.relay)
			s.relay = nil
		}
	}
	return out
}

// captureView derives the mixed stream's health from teacher and students
// once either has reported
func (st *state) captureView(role entities.StreamRole) entities.CaptureHealth {
	s := st.streams[role]
	if role != entities.StreamRoleMixed {
		return s.capture
	}
	t, u := st.streams[entities.StreamRoleTeacher].capture, st.streams[entities.StreamRoleStudents].capture
	if t.UpdatedAt.IsZero() && u.UpdatedAt.IsZero() {
		return s.capture
	}
	h := s.capture
	h.State = ingest.CompositeCapture(t.State, u.State)
	if u.UpdatedAt.After(t.UpdatedAt) {
		h.UpdatedAt = u.UpdatedAt
	} else {
		h.UpdatedAt = t.UpdatedAt
	}
	return h
}

func (st *state) streamView(role entities.StreamRole) entities.StreamState {
	s := st.streams[role]
	view := entities.StreamState{
		Role:      role,
		Connected: s.connected,
		Ingest:    s.counters,
		Capture:   st.captureView(role),
	}
	if s.relay != nil {
		view.Recognition = s.relay.Status()
	} else {
		view.Recognition = entities.RecognitionStatus{State: entities.RelayStateDisconnected}
	}
	return view
}

func (st *state) view() entities.SessionState {
	out := entities.SessionState{
		SessionID:      st.id,
		Phase:          st.phase,
		Config:         st.cfg,
		Streams:        make(map[entities.StreamRole]entities.StreamState, len(st.streams)),
		Bindings:       st.bindingList(),
		RawCount:       len(st.raw),
		EventCount:     len(st.events),
		EmbeddingCount: st.cache.Len(),
		EmbeddingBytes: st.cache.UsedBytes(),
		CreatedAt:      st.createdAt,
		UpdatedAt:      st.updatedAt,
	}
	out.Config.Roster = append([]string(nil), st.cfg.Roster...)
	for _, r := range entities.StreamRoles {
		out.Streams[r] = st.streamView(r)
	}
	return out
}

func (st *state) bindingList() []entities.ClusterBinding {
	out := make([]entities.ClusterBinding, 0, len(st.bindings))
	for _, b := range st.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })
	return out
}

func (st *state) copyBindings() map[string]entities.ClusterBinding {
	out := make(map[string]entities.ClusterBinding, len(st.bindings))
	for k, v := range st.bindings {
		out[k] = v
	}
	return out
}

func (st *state) copyEvents() []*entities.SpeakerEvent {
	out := make([]*entities.SpeakerEvent, len(st.events))
	for i, e := range st.events {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (st *state) copyRaw() []entities.RawUtterance {
	return append([]entities.RawUtterance(nil), st.raw...)
}

func (st *state) copyTurns() []entities.DiarizationTurn {
	return append([]entities.DiarizationTurn(nil), st.turns...)
}

func (st *state) copyEnrollments() map[string][]float32 {
	out := make(map[string][]float32, len(st.enrollments))
	for k, v := range st.enrollments {
		out[k] = append([]float32(nil), v...)
	}
	return out
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
