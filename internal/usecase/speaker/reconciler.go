package speaker

import (
	"time"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// Reconciler resolves cluster ids to display names. It holds no state; the
// session actor owns the bindings and the event log and passes them in.
type Reconciler struct{}

// NewReconciler creates a reconciler
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Resolve applies the precedence chain for one cluster. event may be nil.
func (r *Reconciler) Resolve(clusterID string, bindings map[string]entities.ClusterBinding, event *entities.SpeakerEvent) entities.Resolution {
	res := entities.Resolution{ClusterID: clusterID}
	b, hasBinding := bindings[clusterID]
	if hasBinding && b.ParticipantName == "" {
		hasBinding = false
	}

	switch {
	case hasBinding && b.Locked:
		return r.fromBinding(res, b, entities.DecisionAuto, "locked_binding")
	case hasBinding && b.Source == entities.BindingSourceManual:
		return r.fromBinding(res, b, entities.DecisionAuto, "manual_binding")
	case hasBinding && b.Source == entities.BindingSourceEnrollment:
		return r.fromBinding(res, b, entities.DecisionConfirm, "enrollment_binding")
	case hasBinding && b.Source == entities.BindingSourceNameExtract:
		return r.fromBinding(res, b, entities.DecisionConfirm, "name_extract_binding")
	}

	if event != nil && event.SpeakerName != "" {
		res.SpeakerName = event.SpeakerName
		res.Decision = event.Decision
		if !res.Decision.IsValid() {
			res.Decision = entities.DecisionConfirm
		}
		res.Reason = "event_name"
		return res
	}

	if hasBinding && b.Source == entities.BindingSourceHeuristic {
		return r.fromBinding(res, b, entities.DecisionConfirm, "heuristic_binding")
	}

	res.Decision = entities.DecisionUnknown
	res.Reason = "unresolved"
	return res
}

func (r *Reconciler) fromBinding(res entities.Resolution, b entities.ClusterBinding, d entities.Decision, reason string) entities.Resolution {
	res.SpeakerName = b.ParticipantName
	res.Decision = d
	res.Source = b.Source
	res.Reason = reason
	return res
}

// sourceRank orders automatic sources; manual and locked bindings sit above all of them
func sourceRank(s entities.BindingSource) int {
	switch s {
	case entities.BindingSourceManual:
		return 4
	case entities.BindingSourceEnrollment:
		return 3
	case entities.BindingSourceNameExtract:
		return 2
	case entities.BindingSourceHeuristic:
		return 1
	}
	return 0
}

// Bind applies next to bindings. Manual bindings always apply. Automatic
// sources never replace a locked or manual binding, nor one from a stronger
// automatic source. It reports whether bindings changed.
func (r *Reconciler) Bind(bindings map[string]entities.ClusterBinding, next entities.ClusterBinding) bool {
	if next.ClusterID == "" || next.ParticipantName == "" {
		return false
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	cur, exists := bindings[next.ClusterID]
	if exists && next.Source != entities.BindingSourceManual {
		if cur.Protected() || sourceRank(cur.Source) > sourceRank(next.Source) {
			return false
		}
	}
	bindings[next.ClusterID] = next
	return true
}

// LatestNamedEvents indexes the most recent named event per cluster
func LatestNamedEvents(events []*entities.SpeakerEvent) map[string]*entities.SpeakerEvent {
	out := make(map[string]*entities.SpeakerEvent)
	for _, e := range events {
		if e == nil || e.ClusterID == "" || e.SpeakerName == "" {
			continue
		}
		if prev, ok := out[e.ClusterID]; !ok || !e.CreatedAt.Before(prev.CreatedAt) {
			out[e.ClusterID] = e
		}
	}
	return out
}

// Annotate fills cluster, speaker name and decision on merged utterances.
// Utterances without an explicit cluster take the max-overlap diarization turn.
func (r *Reconciler) Annotate(merged []entities.MergedUtterance, turns []entities.DiarizationTurn, bindings map[string]entities.ClusterBinding, events []*entities.SpeakerEvent) []entities.MergedUtterance {
	latest := LatestNamedEvents(events)
	out := make([]entities.MergedUtterance, len(merged))
	for i, mu := range merged {
		if mu.ClusterID == "" {
			if cid, ok := ClusterForSpan(turns, mu.StartMs, mu.EndMs); ok {
				mu.ClusterID = cid
			}
		}
		if mu.ClusterID == "" {
			mu.SpeakerName = ""
			mu.Decision = entities.DecisionUnknown
		} else {
			res := r.Resolve(mu.ClusterID, bindings, latest[mu.ClusterID])
			mu.SpeakerName = res.SpeakerName
			mu.Decision = res.Decision
		}
		out[i] = mu
	}
	return out
}
