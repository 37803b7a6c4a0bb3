package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kijenzi/internal/storage"
)

// Compile-time interface check.
var _ storage.EventStore = (*EventRepository)(nil)

// EventRepository implements storage.EventStore with GORM.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) MarkStarted(ctx context.Context, eventID string, projectID uuid.UUID) error {
	now := time.Now().UTC()
	m := RunEventModel{
		ID:        eventID,
		ProjectID: projectID,
		Attempts:  1,
		StartedAt: now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"attempts":   gorm.Expr("run_events.attempts + 1"),
				"started_at": now,
			}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("marking event %s started: %w", eventID, err)
	}
	return nil
}

func (r *EventRepository) MarkCompleted(ctx context.Context, eventID string) error {
	res := r.db.WithContext(ctx).
		Model(&RunEventModel{}).
		Where("id = ?", eventID).
		Update("completed_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("marking event %s completed: %w", eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *EventRepository) IsCompleted(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&RunEventModel{}).
		Where("id = ? AND completed_at IS NOT NULL", eventID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking event %s: %w", eventID, err)
	}
	return count > 0, nil
}

func (r *EventRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", before.UTC()).
		Delete(&RunEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning run events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
