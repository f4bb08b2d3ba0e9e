package bookings

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
)

// Repository manages persistence for bookings.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, booking *models.Booking) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	FindByStripePaymentID(ctx context.Context, paymentID string) (*models.Booking, error)
	MarkPaid(ctx context.Context, id uuid.UUID, stripePaymentID string, paidAt time.Time) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a bookings repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, booking *models.Booking) error {
	return r.db.WithContext(ctx).Create(booking).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&booking).Error
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// FindByIDForUpdate locks the booking row until the surrounding transaction
// ends, serializing concurrent settlement attempts for the same booking.
func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&booking).Error
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *repository) FindByStripePaymentID(ctx context.Context, paymentID string) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.WithContext(ctx).
		Where("stripe_payment_id = ?", paymentID).
		First(&booking).Error
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *repository) MarkPaid(ctx context.Context, id uuid.UUID, stripePaymentID string, paidAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Booking{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            enums.BookingStatusPaid,
			"stripe_payment_id": stripePaymentID,
			"paid_at":           paidAt,
		}).Error
}
