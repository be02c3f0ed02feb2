package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// SpeakerEventRepository stores the identity audit log in Postgres
type SpeakerEventRepository struct {
	db *gorm.DB
}

// NewSpeakerEventRepository creates a new speaker event repository
func NewSpeakerEventRepository(db *gorm.DB) *SpeakerEventRepository {
	return &SpeakerEventRepository{db: db}
}

// SaveEvents inserts events, skipping ids that already exist
func (r *SpeakerEventRepository) SaveEvents(ctx context.Context, events []*entities.SpeakerEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if ev == nil {
			return errors.New("speaker event cannot be nil")
		}
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uuid.UUID, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		var existing []uuid.UUID
		if err := tx.Model(&entities.SpeakerEvent{}).Where("id IN ?", ids).Pluck("id", &existing).Error; err != nil {
			return err
		}
		seen := make(map[uuid.UUID]bool, len(existing))
		for _, id := range existing {
			seen[id] = true
		}

		fresh := make([]*entities.SpeakerEvent, 0, len(events))
		for _, ev := range events {
			if !seen[ev.ID] {
				fresh = append(fresh, ev)
				seen[ev.ID] = true
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		return tx.CreateInBatches(fresh, 100).Error
	})
}

// ListBySession returns events oldest first
func (r *SpeakerEventRepository) ListBySession(ctx context.Context, sessionID string) ([]*entities.SpeakerEvent, error) {
	var events []*entities.SpeakerEvent
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
