package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/internal/attribution"
	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeBookingsRepo struct {
	booking    *models.Booking
	markedPaid bool
	paymentID  string
}

func (f *fakeBookingsRepo) WithTx(tx *gorm.DB) bookings.Repository { return f }

func (f *fakeBookingsRepo) Create(ctx context.Context, booking *models.Booking) error { return nil }

func (f *fakeBookingsRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return f.FindByIDForUpdate(ctx, id)
}

func (f *fakeBookingsRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	if f.booking == nil || f.booking.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	return f.booking, nil
}

func (f *fakeBookingsRepo) FindByStripePaymentID(ctx context.Context, paymentID string) (*models.Booking, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBookingsRepo) MarkPaid(ctx context.Context, id uuid.UUID, stripePaymentID string, paidAt time.Time) error {
	f.markedPaid = true
	f.paymentID = stripePaymentID
	return nil
}

type fakeLedgerRepo struct {
	ledger.Repository
	entries []models.Transaction
}

func (f *fakeLedgerRepo) WithTx(tx *gorm.DB) ledger.Repository { return f }

func (f *fakeLedgerRepo) CreateBatch(ctx context.Context, entries []models.Transaction) error {
	f.entries = append(f.entries, entries...)
	return nil
}

func settlementPolicy() config.SettlementConfig {
	return config.SettlementConfig{
		HoldDuration:       168 * time.Hour,
		PlatformFeePercent: "10",
		ReferralPercent:    "10",
		AgentPercent:       "20",
		Currency:           "usd",
	}
}

func newTestService(t *testing.T, bookingsRepo bookings.Repository, ledgerRepo ledger.Repository) Service {
	t.Helper()
	svc, err := NewService(
		bookingsRepo,
		ledgerRepo,
		attribution.NewResolver(settlementPolicy()),
		fakeTxRunner{},
		settlementPolicy(),
		nil,
		nil,
	)
	require.NoError(t, err)
	return svc
}

func unpaidBooking(gross string) *models.Booking {
	return &models.Booking{
		ID:          uuid.New(),
		ClientID:    uuid.New(),
		TutorID:     uuid.New(),
		GrossAmount: decimal.RequireFromString(gross),
		Currency:    "usd",
		LessonEndAt: time.Now().UTC().Add(time.Hour),
		Status:      enums.BookingStatusUnpaid,
	}
}

func TestSettle_WritesZeroSumEntrySet(t *testing.T) {
	booking := unpaidBooking("100.00")
	bookingsRepo := &fakeBookingsRepo{booking: booking}
	ledgerRepo := &fakeLedgerRepo{}
	svc := newTestService(t, bookingsRepo, ledgerRepo)

	result, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       booking.ID,
		StripePaymentID: "pi_123",
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadySettled)
	require.Len(t, result.Entries, 3)

	total := decimal.Zero
	for _, entry := range result.Entries {
		total = total.Add(entry.Amount)
	}
	assert.True(t, total.IsZero(), "entry set must sum to zero, got %s", total)

	assert.True(t, bookingsRepo.markedPaid)
	assert.Equal(t, "pi_123", bookingsRepo.paymentID)
}

func TestSettle_EntryAttribution(t *testing.T) {
	booking := unpaidBooking("100.00")
	bookingsRepo := &fakeBookingsRepo{booking: booking}
	ledgerRepo := &fakeLedgerRepo{}
	svc := newTestService(t, bookingsRepo, ledgerRepo)

	result, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       booking.ID,
		StripePaymentID: "pi_123",
	})
	require.NoError(t, err)

	for _, entry := range result.Entries {
		switch entry.Kind {
		case enums.TransactionKindPayment:
			// The debit belongs to the client; a nil beneficiary is
			// reserved for the platform's own fee rows.
			require.NotNil(t, entry.BeneficiaryID, "payment debit must be attributed to the client")
			assert.Equal(t, booking.ClientID, *entry.BeneficiaryID)
		case enums.TransactionKindTutorEarning:
			require.NotNil(t, entry.BeneficiaryID)
			assert.Equal(t, booking.TutorID, *entry.BeneficiaryID)
		case enums.TransactionKindPlatformFee:
			assert.Nil(t, entry.BeneficiaryID)
		}
	}
}

func TestSettle_HoldAndAvailabilityWindows(t *testing.T) {
	booking := unpaidBooking("100.00")
	bookingsRepo := &fakeBookingsRepo{booking: booking}
	ledgerRepo := &fakeLedgerRepo{}
	svc := newTestService(t, bookingsRepo, ledgerRepo)

	result, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       booking.ID,
		StripePaymentID: "pi_123",
	})
	require.NoError(t, err)

	wantAvailableAt := booking.LessonEndAt.Add(168 * time.Hour)
	for _, entry := range result.Entries {
		switch entry.Kind {
		case enums.TransactionKindPayment, enums.TransactionKindPlatformFee:
			assert.Equal(t, enums.TransactionStateAvailable, entry.State, "%s must be available immediately", entry.Kind)
		case enums.TransactionKindTutorEarning:
			assert.Equal(t, enums.TransactionStateHeld, entry.State)
			require.NotNil(t, entry.AvailableAt)
			assert.True(t, entry.AvailableAt.Equal(wantAvailableAt))
		}
	}
}

func TestSettle_DuplicatePaymentRefIsNoOp(t *testing.T) {
	booking := unpaidBooking("100.00")
	ref := "pi_123"
	booking.StripePaymentID = &ref
	booking.Status = enums.BookingStatusPaid

	bookingsRepo := &fakeBookingsRepo{booking: booking}
	ledgerRepo := &fakeLedgerRepo{}
	svc := newTestService(t, bookingsRepo, ledgerRepo)

	result, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       booking.ID,
		StripePaymentID: ref,
	})
	require.NoError(t, err)
	assert.True(t, result.AlreadySettled)
	assert.Empty(t, ledgerRepo.entries)
	assert.False(t, bookingsRepo.markedPaid)
}

func TestSettle_PaidUnderDifferentRefConflicts(t *testing.T) {
	booking := unpaidBooking("100.00")
	ref := "pi_other"
	booking.StripePaymentID = &ref
	booking.Status = enums.BookingStatusPaid

	bookingsRepo := &fakeBookingsRepo{booking: booking}
	svc := newTestService(t, bookingsRepo, &fakeLedgerRepo{})

	_, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       booking.ID,
		StripePaymentID: "pi_123",
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestSettle_BookingNotFound(t *testing.T) {
	svc := newTestService(t, &fakeBookingsRepo{}, &fakeLedgerRepo{})

	_, err := svc.Settle(context.Background(), SettleInput{
		BookingID:       uuid.New(),
		StripePaymentID: "pi_123",
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestSettle_Validation(t *testing.T) {
	svc := newTestService(t, &fakeBookingsRepo{}, &fakeLedgerRepo{})

	_, err := svc.Settle(context.Background(), SettleInput{StripePaymentID: "pi_123"})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())

	_, err = svc.Settle(context.Background(), SettleInput{BookingID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
}
