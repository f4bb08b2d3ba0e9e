package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
)

// Repository manages the dead letter queue of payment events the engine
// received but could not apply.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, event *models.FailedEvent) error
	FindByStripeEventID(ctx context.Context, stripeEventID string) (*models.FailedEvent, error)
	ListUnresolved(ctx context.Context, limit int) ([]models.FailedEvent, error)
	CountUnresolved(ctx context.Context) (int64, error)
	MarkResolved(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error
	IncrementRetry(ctx context.Context, id uuid.UUID, errorMessage string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a dead letter repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create parks one failed event. A redelivered event that already has a row
// is treated as captured: the unique stripe_event_id absorbs the conflict.
func (r *repository) Create(ctx context.Context, event *models.FailedEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if err != nil && isDuplicateEvent(err) {
		return nil
	}
	return err
}

func (r *repository) FindByStripeEventID(ctx context.Context, stripeEventID string) (*models.FailedEvent, error) {
	var event models.FailedEvent
	err := r.db.WithContext(ctx).
		Where("stripe_event_id = ?", stripeEventID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) ListUnresolved(ctx context.Context, limit int) ([]models.FailedEvent, error) {
	var events []models.FailedEvent
	q := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repository) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.FailedEvent{}).
		Where("resolved_at IS NULL").
		Count(&count).Error
	return count, err
}

func (r *repository) MarkResolved(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.FailedEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{"resolved_at": resolvedAt}).Error
}

func (r *repository) IncrementRetry(ctx context.Context, id uuid.UUID, errorMessage string) error {
	return r.db.WithContext(ctx).
		Model(&models.FailedEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": errorMessage,
		}).Error
}
