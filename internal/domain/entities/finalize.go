package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FinalizeStage names one step of the finalize pipeline
type FinalizeStage string

const (
	StageFreeze    FinalizeStage = "freeze"
	StageDrain     FinalizeStage = "drain"
	StageReplayGap FinalizeStage = "replay_gap"
	StageReconcile FinalizeStage = "reconcile"
	StageStats     FinalizeStage = "stats"
	StageEvents    FinalizeStage = "events"
	StageReport    FinalizeStage = "report"
	StagePersist   FinalizeStage = "persist"
)

// FinalizeStages is the pipeline order
var FinalizeStages = []FinalizeStage{
	StageFreeze, StageDrain, StageReplayGap, StageReconcile,
	StageStats, StageEvents, StageReport, StagePersist,
}

// StageStatus is the outcome of a single stage
type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// ResultStatus is the overall finalize verdict
type ResultStatus string

const (
	ResultStatusFinal     ResultStatus = "final"
	ResultStatusTentative ResultStatus = "tentative"
	ResultStatusFailed    ResultStatus = "failed"
)

// StageRecord records progress for one stage
type StageRecord struct {
	Stage      FinalizeStage `json:"stage"`
	Status     StageStatus   `json:"status"`
	DurationMs int64         `json:"duration_ms"`
	Detail     string        `json:"detail,omitempty"`
}

// StageError is appended to the finalize error list on stage failure
type StageError struct {
	Stage      FinalizeStage `json:"stage"`
	Message    string        `json:"message"`
	Structural bool          `json:"structural"`
}

// FinalizeResult is written to sessions/{id}/result.json
type FinalizeResult struct {
	SessionID        string            `json:"session_id"`
	Status           ResultStatus      `json:"status"`
	TentativeReasons []string          `json:"tentative_reasons,omitempty"`
	Transcript       []MergedUtterance `json:"transcript"`
	Speakers         []GlobalSpeaker   `json:"speakers"`
	Confidence       float64           `json:"clustering_confidence"`
	UnresolvedRatio  float64           `json:"unresolved_ratio"`
	Stats            []SpeakerStat     `json:"stats"`
	Events           []AnalysisEvent   `json:"events"`
	Evidence         []EvidenceRef     `json:"evidence"`
	Report           *Report           `json:"report,omitempty"`
	Stages           []StageRecord     `json:"stages"`
	Errors           []StageError      `json:"errors"`
	CreatedAt        time.Time         `json:"created_at"`
}

// FinalizeRecord is the database row summarizing a finalize run
type FinalizeRecord struct {
	ID              uuid.UUID                        `json:"id" gorm:"type:uuid;primary_key"`
	SessionID       string                           `json:"session_id" gorm:"type:varchar(128);not null;index"`
	Status          ResultStatus                     `json:"status" gorm:"type:varchar(16);not null"`
	UnresolvedRatio float64                          `json:"unresolved_ratio"`
	UtteranceCount  int                              `json:"utterance_count"`
	SpeakerCount    int                              `json:"speaker_count"`
	ResultKey       string                           `json:"result_key" gorm:"type:varchar(255)"`
	Errors          datatypes.JSONType[[]StageError] `json:"errors" gorm:"type:jsonb"`
	CreatedAt       time.Time                        `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (FinalizeRecord) TableName() string {
	return "finalize_records"
}
