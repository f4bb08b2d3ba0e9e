package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
)

func setupDLQTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	failedEvents := `
CREATE TABLE IF NOT EXISTS failed_events (
  id TEXT PRIMARY KEY,
  stripe_event_id TEXT NOT NULL UNIQUE,
  event_type TEXT NOT NULL,
  payload TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  booking_id TEXT,
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  resolved_at DATETIME
);`
	require.NoError(t, db.Exec(failedEvents).Error)
	return db
}

func failedEvent(stripeEventID string) *models.FailedEvent {
	return &models.FailedEvent{
		ID:            uuid.New(),
		StripeEventID: stripeEventID,
		EventType:     "payment_intent.succeeded",
		Payload:       json.RawMessage(`{"id":"` + stripeEventID + `"}`),
		ErrorMessage:  "booking not found",
	}
}

func TestRepository_CreateAbsorbsDuplicates(t *testing.T) {
	db := setupDLQTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	eventID := "evt_" + uuid.NewString()
	require.NoError(t, repo.Create(ctx, failedEvent(eventID)))

	// Same stripe event id again: captured once, no error.
	require.NoError(t, repo.Create(ctx, failedEvent(eventID)))

	got, err := repo.FindByStripeEventID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, eventID, got.StripeEventID)
}

func TestRepository_ListAndCountUnresolved(t *testing.T) {
	db := setupDLQTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	prefix := uuid.NewString()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, failedEvent(fmt.Sprintf("evt_%s_%d", prefix, i))))
	}

	count, err := repo.CountUnresolved(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, int64(3))

	events, err := repo.ListUnresolved(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRepository_MarkResolved(t *testing.T) {
	db := setupDLQTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	event := failedEvent("evt_" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, event))

	require.NoError(t, repo.MarkResolved(ctx, event.ID, time.Now().UTC()))

	got, err := repo.FindByStripeEventID(ctx, event.StripeEventID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
}

func TestRepository_IncrementRetry(t *testing.T) {
	db := setupDLQTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	event := failedEvent("evt_" + uuid.NewString())
	require.NoError(t, repo.Create(ctx, event))

	require.NoError(t, repo.IncrementRetry(ctx, event.ID, "still failing"))
	require.NoError(t, repo.IncrementRetry(ctx, event.ID, "and again"))

	got, err := repo.FindByStripeEventID(ctx, event.StripeEventID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "and again", got.ErrorMessage)
}
