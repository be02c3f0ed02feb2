package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/johnquangdev/meeting-session/internal/domain/entities"
)

// FinalizeRecordRepository handles finalize run rows
type FinalizeRecordRepository struct {
	db *gorm.DB
}

// NewFinalizeRecordRepository creates a new finalize record repository
func NewFinalizeRecordRepository(db *gorm.DB) *FinalizeRecordRepository {
	return &FinalizeRecordRepository{db: db}
}

// Save creates a finalize record
func (r *FinalizeRecordRepository) Save(ctx context.Context, record *entities.FinalizeRecord) error {
	if record == nil {
		return errors.New("finalize record cannot be nil")
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(record).Error
}

// LatestBySession returns the most recent record or nil
func (r *FinalizeRecordRepository) LatestBySession(ctx context.Context, sessionID string) (*entities.FinalizeRecord, error) {
	var record entities.FinalizeRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
