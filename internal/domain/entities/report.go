package entities

// SpeakerStat aggregates talk metrics for one speaker key
type SpeakerStat struct {
	SpeakerKey         string  `json:"speaker_key"`
	TalkTimeMs         int64   `json:"talk_time_ms"`
	Turns              int     `json:"turns"`
	SilenceMs          int64   `json:"silence_ms"`
	InterruptionsMade  int     `json:"interruptions"`
	InterruptedByOther int     `json:"interrupted_by_others"`
	TalkShare          float64 `json:"talk_share"`
}

// EvidenceRef points a claim at concrete transcript spans
type EvidenceRef struct {
	ID           string   `json:"id"`
	StartMs      int64    `json:"start_ms"`
	EndMs        int64    `json:"end_ms"`
	UtteranceIDs []string `json:"utterance_ids"`
	SpeakerKey   string   `json:"speaker_key"`
	Quote        string   `json:"quote"`
}

// AnalysisEventType enumerates detected meeting events
type AnalysisEventType string

const (
	EventSupport    AnalysisEventType = "support"
	EventSummary    AnalysisEventType = "summary"
	EventDecision   AnalysisEventType = "decision"
	EventInterrupt  AnalysisEventType = "interrupt"
	EventLowSilence AnalysisEventType = "silence"
)

// AnalysisEvent is one detected event with its evidence
type AnalysisEvent struct {
	Type         AnalysisEventType `json:"event_type"`
	SpeakerKey   string            `json:"speaker_key"`
	TargetKey    string            `json:"target_speaker_key,omitempty"`
	StartMs      int64             `json:"start_ms"`
	EndMs        int64             `json:"end_ms"`
	Quote        string            `json:"quote,omitempty"`
	Confidence   float64           `json:"confidence"`
	EvidenceRefs []string          `json:"evidence_refs"`
}

// Claim is one report statement; it must cite at least one evidence ref
type Claim struct {
	Kind         string   `json:"kind"`
	SpeakerKey   string   `json:"speaker_key,omitempty"`
	Text         string   `json:"text"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Report is the synthesized per-session feedback
type Report struct {
	Summary string  `json:"summary"`
	Claims  []Claim `json:"claims"`
}

// UncitedClaims returns claims with no evidence reference
func (r *Report) UncitedClaims() []Claim {
	if r == nil {
		return nil
	}
	var out []Claim
	for _, c := range r.Claims {
		if len(c.EvidenceRefs) == 0 {
			out = append(out, c)
		}
	}
	return out
}
