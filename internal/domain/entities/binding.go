package entities

import "time"

// BindingSource is the provenance of a cluster binding
type BindingSource string

const (
	BindingSourceManual      BindingSource = "manual"
	BindingSourceEnrollment  BindingSource = "enrollment"
	BindingSourceNameExtract BindingSource = "name_extract"
	BindingSourceHeuristic   BindingSource = "heuristic"
)

// IsValid checks if the binding source is valid
func (s BindingSource) IsValid() bool {
	switch s {
	case BindingSourceManual, BindingSourceEnrollment, BindingSourceNameExtract, BindingSourceHeuristic:
		return true
	}
	return false
}

// Decision is how much a resolved name can be trusted
type Decision string

const (
	DecisionAuto    Decision = "auto"
	DecisionConfirm Decision = "confirm"
	DecisionUnknown Decision = "unknown"
)

// IsValid checks if the decision is valid
func (d Decision) IsValid() bool {
	return d == DecisionAuto || d == DecisionConfirm || d == DecisionUnknown
}

// ClusterBinding associates a diarization cluster with a display name
type ClusterBinding struct {
	ClusterID       string        `json:"cluster_id"`
	ParticipantName string        `json:"participant_name"`
	Source          BindingSource `json:"source"`
	Locked          bool          `json:"locked"`
	Confidence      float64       `json:"confidence,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Protected reports whether automatic sources may not overwrite this binding
func (b ClusterBinding) Protected() bool {
	return b.Locked || b.Source == BindingSourceManual
}

// Resolution is the reconciler's answer for one cluster
type Resolution struct {
	ClusterID   string        `json:"cluster_id"`
	SpeakerName string        `json:"speaker_name"`
	Decision    Decision      `json:"decision"`
	Source      BindingSource `json:"source,omitempty"`
	Reason      string        `json:"reason"`
}
