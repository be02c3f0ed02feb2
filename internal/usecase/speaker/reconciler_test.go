package speaker

import (
	"testing"
	"time"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

func TestResolve_EventThenManualBinding(t *testing.T) {
	r := NewReconciler()
	bindings := map[string]entities.ClusterBinding{}
	event := &entities.SpeakerEvent{ClusterID: "c1", SpeakerName: "Alice", Decision: entities.DecisionConfirm}

	res := r.Resolve("c1", bindings, event)
	if res.SpeakerName != "Alice" || res.Decision != entities.DecisionConfirm {
		t.Fatalf("expected Alice/confirm, got %+v", res)
	}

	r.Bind(bindings, entities.ClusterBinding{ClusterID: "c1", ParticipantName: "Alice W.", Source: entities.BindingSourceManual})
	res = r.Resolve("c1", bindings, event)
	if res.SpeakerName != "Alice W." || res.Decision != entities.DecisionAuto {
		t.Fatalf("expected Alice W./auto, got %+v", res)
	}

	other := &entities.SpeakerEvent{ClusterID: "c1", SpeakerName: "Bob", Decision: entities.DecisionAuto}
	if res := r.Resolve("c1", bindings, other); res.SpeakerName != "Alice W." {
		t.Fatalf("manual binding must win over event content, got %+v", res)
	}
}

func TestResolve_Precedence(t *testing.T) {
	r := NewReconciler()
	event := &entities.SpeakerEvent{ClusterID: "c", SpeakerName: "Evt"}
	tests := []struct {
		name     string
		binding  *entities.ClusterBinding
		event    *entities.SpeakerEvent
		wantName string
		wantDec  entities.Decision
	}{
		{"locked enrollment", &entities.ClusterBinding{ParticipantName: "L", Source: entities.BindingSourceEnrollment, Locked: true}, event, "L", entities.DecisionAuto},
		{"enrollment", &entities.ClusterBinding{ParticipantName: "E", Source: entities.BindingSourceEnrollment}, event, "E", entities.DecisionConfirm},
		{"name extract", &entities.ClusterBinding{ParticipantName: "N", Source: entities.BindingSourceNameExtract}, event, "N", entities.DecisionConfirm},
		{"event default confirm", nil, event, "Evt", entities.DecisionConfirm},
		{"event unknown kept", nil, &entities.SpeakerEvent{ClusterID: "c", SpeakerName: "Evt", Decision: entities.DecisionUnknown}, "Evt", entities.DecisionUnknown},
		{"event auto kept", nil, &entities.SpeakerEvent{ClusterID: "c", SpeakerName: "Evt", Decision: entities.DecisionAuto}, "Evt", entities.DecisionAuto},
		{"heuristic below event", &entities.ClusterBinding{ParticipantName: "H", Source: entities.BindingSourceHeuristic}, event, "Evt", entities.DecisionConfirm},
		{"heuristic alone", &entities.ClusterBinding{ParticipantName: "H", Source: entities.BindingSourceHeuristic}, nil, "H", entities.DecisionConfirm},
		{"nothing", nil, nil, "", entities.DecisionUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bindings := map[string]entities.ClusterBinding{}
			if tt.binding != nil {
				b := *tt.binding
				b.ClusterID = "c"
				bindings["c"] = b
			}
			res := r.Resolve("c", bindings, tt.event)
			if res.SpeakerName != tt.wantName || res.Decision != tt.wantDec {
				t.Fatalf("got %s/%s want %s/%s", res.SpeakerName, res.Decision, tt.wantName, tt.wantDec)
			}
		})
	}
}

func TestBind_ProtectsManualAndLocked(t *testing.T) {
	r := NewReconciler()
	bindings := map[string]entities.ClusterBinding{}
	r.Bind(bindings, entities.ClusterBinding{ClusterID: "c1", ParticipantName: "Teacher", Source: entities.BindingSourceManual})
	if r.Bind(bindings, entities.ClusterBinding{ClusterID: "c1", ParticipantName: "Other", Source: entities.BindingSourceEnrollment}) {
		t.Fatalf("enrollment must not overwrite manual")
	}
	r.Bind(bindings, entities.ClusterBinding{ClusterID: "c2", ParticipantName: "Zoe", Source: entities.BindingSourceNameExtract, Locked: true})
	if r.Bind(bindings, entities.ClusterBinding{ClusterID: "c2", ParticipantName: "Max", Source: entities.BindingSourceNameExtract}) {
		t.Fatalf("locked binding overwritten")
	}
	r.Bind(bindings, entities.ClusterBinding{ClusterID: "c3", ParticipantName: "Ann", Source: entities.BindingSourceEnrollment})
	if r.Bind(bindings, entities.ClusterBinding{ClusterID: "c3", ParticipantName: "Bo", Source: entities.BindingSourceHeuristic}) {
		t.Fatalf("weaker source overwrote enrollment")
	}
	if !r.Bind(bindings, entities.ClusterBinding{ClusterID: "c3", ParticipantName: "Ann B", Source: entities.BindingSourceManual}) {
		t.Fatalf("manual binding must always apply")
	}
}

func TestClusterForSpan_FirstMaximumWins(t *testing.T) {
	turns := []entities.DiarizationTurn{
		{ClusterID: "a", StartMs: 0, EndMs: 1000},
		{ClusterID: "b", StartMs: 1000, EndMs: 2000},
		{ClusterID: "c", StartMs: 2000, EndMs: 2400},
	}
	if cid, _ := ClusterForSpan(turns, 500, 1500); cid != "a" {
		t.Fatalf("tie should keep first turn, got %s", cid)
	}
	if cid, _ := ClusterForSpan(turns, 900, 2300); cid != "b" {
		t.Fatalf("expected b, got %s", cid)
	}
	if _, ok := ClusterForSpan(turns, 5000, 6000); ok {
		t.Fatalf("no overlap should not resolve")
	}
}

func TestAnnotate_UsesLatestEvent(t *testing.T) {
	r := NewReconciler()
	now := time.Now()
	events := []*entities.SpeakerEvent{
		{ClusterID: "c1", SpeakerName: "Old", Decision: entities.DecisionConfirm, CreatedAt: now.Add(-time.Minute)},
		{ClusterID: "c1", SpeakerName: "New", Decision: entities.DecisionAuto, CreatedAt: now},
	}
	merged := []entities.MergedUtterance{{ID: "m1", StartMs: 0, EndMs: 900}}
	turns := []entities.DiarizationTurn{{ClusterID: "c1", StartMs: 0, EndMs: 1000}}

	out := r.Annotate(merged, turns, map[string]entities.ClusterBinding{}, events)
	if out[0].ClusterID != "c1" || out[0].SpeakerName != "New" || out[0].Decision != entities.DecisionAuto {
		t.Fatalf("unexpected annotation %+v", out[0])
	}
}
