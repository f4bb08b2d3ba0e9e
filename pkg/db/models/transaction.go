package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorlink/tutorlink-backend/pkg/enums"
)

// Transaction is an immutable ledger entry. Rows are only ever appended;
// the sole mutations allowed are state advances and stamping the transfer
// reference once a withdrawal has been submitted.
//
// A nil BeneficiaryID means the entry belongs to the platform itself.
// Snapshot columns are copied at creation time so the entry stays
// meaningful if the originating booking or profiles are later deleted.
type Transaction struct {
	ID            uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BookingID     *uuid.UUID `gorm:"column:booking_id;type:uuid;index"`
	BeneficiaryID *uuid.UUID `gorm:"column:beneficiary_id;type:uuid;index"`

	Kind   enums.TransactionKind  `gorm:"column:kind;type:transaction_kind_enum;not null"`
	Amount decimal.Decimal        `gorm:"column:amount;type:numeric(12,2);not null"`
	State  enums.TransactionState `gorm:"column:state;type:transaction_state_enum;not null"`

	Currency    string     `gorm:"column:currency;not null;default:'usd'"`
	AvailableAt *time.Time `gorm:"column:available_at"`

	StripeTransferID *string `gorm:"column:stripe_transfer_id;index"`

	Subject     string `gorm:"column:subject"`
	TutorName   string `gorm:"column:tutor_name"`
	ClientName  string `gorm:"column:client_name"`
	Description string `gorm:"column:description"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
