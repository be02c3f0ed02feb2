package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SpeakerEvent is an append-only audit entry recording an identity decision
type SpeakerEvent struct {
	ID          uuid.UUID         `json:"id" gorm:"type:uuid;primary_key"`
	SessionID   string            `json:"session_id" gorm:"type:varchar(128);not null;index"`
	StreamRole  StreamRole        `json:"stream_role" gorm:"type:varchar(16);not null"`
	ClusterID   string            `json:"cluster_id" gorm:"type:varchar(64)"`
	SpeakerName string            `json:"speaker_name" gorm:"type:varchar(255)"`
	Decision    Decision          `json:"decision" gorm:"type:varchar(16);not null"`
	Source      string            `json:"source" gorm:"type:varchar(32);not null"`
	StartMs     int64             `json:"start_ms"`
	EndMs       int64             `json:"end_ms"`
	Evidence    datatypes.JSONMap `json:"evidence,omitempty" gorm:"type:jsonb"`
	CreatedAt   time.Time         `json:"created_at" gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM
func (SpeakerEvent) TableName() string {
	return "speaker_events"
}
