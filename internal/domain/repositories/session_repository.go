package repositories

import (
	"context"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// SpeakerEventRepository persists the identity audit log
type SpeakerEventRepository interface {
	SaveEvents(ctx context.Context, events []*entities.SpeakerEvent) error
	ListBySession(ctx context.Context, sessionID string) ([]*entities.SpeakerEvent, error)
}

// FinalizeRecordRepository persists one row per finalize run
type FinalizeRecordRepository interface {
	Save(ctx context.Context, record *entities.FinalizeRecord) error
	LatestBySession(ctx context.Context, sessionID string) (*entities.FinalizeRecord, error)
}
