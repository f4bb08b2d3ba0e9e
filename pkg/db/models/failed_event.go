package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FailedEvent is a dead-letter row: a processor event the engine received,
// acknowledged, but could not apply. Rows are resolved by the retry job or
// by manual remediation.
type FailedEvent struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	StripeEventID string          `gorm:"column:stripe_event_id;not null;unique"`
	EventType     string          `gorm:"column:event_type;not null"`
	Payload       json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	ErrorMessage  string          `gorm:"column:error_message;not null"`
	BookingID     *uuid.UUID      `gorm:"column:booking_id;type:uuid"`
	RetryCount    int             `gorm:"column:retry_count;not null;default:0"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt    *time.Time      `gorm:"column:resolved_at"`
}
