package presenter

import (
	"github.com/johnquangdev/meeting-session/internal/adapter/dto/session"
	"github.com/johnquangdev/meeting-session/internal/domain/entities"
	sessionUsecase "github.com/johnquangdev/meeting-session/internal/usecase/session"
	"github.com/johnquangdev/meeting-session/pkg/inference"
)

// ToStateResponse converts the actor's state copy to the /state body.
// Streams are listed in the fixed role order.
func ToStateResponse(st entities.SessionState, backends []inference.HealthState) *session.StateResponse {
	resp := &session.StateResponse{
		SessionID:  st.SessionID,
		Phase:      string(st.Phase),
		Config:     st.Config,
		Bindings:   st.Bindings,
		RawCount:   st.RawCount,
		EventCount: st.EventCount,
		Embeddings: session.EmbeddingUsage{Count: st.EmbeddingCount, UsedBytes: st.EmbeddingBytes},
		Backends:   backends,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
	}
	if resp.Config.Roster == nil {
		resp.Config.Roster = []string{}
	}
	if resp.Bindings == nil {
		resp.Bindings = []entities.ClusterBinding{}
	}
	for _, role := range entities.StreamRoles {
		s, ok := st.Streams[role]
		if !ok {
			continue
		}
		resp.Streams = append(resp.Streams, session.StreamResponse{
			StreamRole:  string(role),
			Connected:   s.Connected,
			Ingest:      s.Ingest,
			Capture:     s.Capture,
			Recognition: s.Recognition,
		})
	}
	return resp
}

// ToResolveResponse flattens a resolve outcome
func ToResolveResponse(out sessionUsecase.ResolveOutput, replayed bool) *session.ResolveResponse {
	r := out.Resolution
	return &session.ResolveResponse{
		ClusterID:       r.ClusterID,
		SpeakerName:     r.SpeakerName,
		Decision:        string(r.Decision),
		Source:          string(r.Source),
		Reason:          r.Reason,
		BackendName:     out.BackendName,
		BackendDecision: string(out.BackendDecision),
		Backend:         out.Backend,
		EmbeddingCached: out.EmbeddingCached,
		EventID:         out.EventID,
		Replayed:        replayed,
	}
}

// ToRawUtterances wraps the raw view
func ToRawUtterances(role entities.StreamRole, raws []entities.RawUtterance) *session.UtterancesResponse {
	if raws == nil {
		raws = []entities.RawUtterance{}
	}
	return &session.UtterancesResponse{View: "raw", StreamRole: string(role), Count: len(raws), Items: raws}
}

// ToMergedUtterances wraps the merged view
func ToMergedUtterances(role entities.StreamRole, merged []entities.MergedUtterance) *session.UtterancesResponse {
	if merged == nil {
		merged = []entities.MergedUtterance{}
	}
	return &session.UtterancesResponse{View: "merged", StreamRole: string(role), Count: len(merged), Items: merged}
}

// ToEventsResponse wraps the audit log
func ToEventsResponse(events []*entities.SpeakerEvent) *session.EventsResponse {
	if events == nil {
		events = []*entities.SpeakerEvent{}
	}
	return &session.EventsResponse{Count: len(events), Events: events}
}

func ToBackendsHealthResponse(states []inference.HealthState) *session.BackendsHealthResponse {
	if states == nil {
		states = []inference.HealthState{}
	}
	return &session.BackendsHealthResponse{Backends: states}
}
