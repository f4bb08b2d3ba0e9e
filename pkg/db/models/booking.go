package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorlink/tutorlink-backend/pkg/enums"
)

// Booking is the priced lesson a payment settles against. The surrounding
// booking flow creates it unpaid; the settlement engine flips it to paid
// exactly once and stamps the processor's payment reference.
type Booking struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID   uuid.UUID  `gorm:"column:client_id;type:uuid;not null"`
	TutorID    uuid.UUID  `gorm:"column:tutor_id;type:uuid;not null"`
	ReferrerID *uuid.UUID `gorm:"column:referrer_id;type:uuid"`
	AgentID    *uuid.UUID `gorm:"column:agent_id;type:uuid"`

	GrossAmount decimal.Decimal `gorm:"column:gross_amount;type:numeric(12,2);not null"`
	Currency    string          `gorm:"column:currency;not null;default:'usd'"`

	StripePaymentID *string `gorm:"column:stripe_payment_id;unique"`

	Subject     string     `gorm:"column:subject;not null"`
	TutorName   string     `gorm:"column:tutor_name;not null"`
	ClientName  string     `gorm:"column:client_name;not null"`
	LessonEndAt time.Time  `gorm:"column:lesson_end_at;not null"`
	PaidAt      *time.Time `gorm:"column:paid_at"`

	Status enums.BookingStatus `gorm:"column:status;type:booking_status_enum;not null;default:'unpaid'"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
