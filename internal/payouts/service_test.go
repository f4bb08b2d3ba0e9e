package payouts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	pkgstripe "github.com/tutorlink/tutorlink-backend/pkg/stripe"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

// memLedger keeps ledger entries in memory and derives balances the same way
// the real repository does.
type memLedger struct {
	entries map[uuid.UUID]*models.Transaction
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[uuid.UUID]*models.Transaction{}}
}

func (m *memLedger) WithTx(tx *gorm.DB) ledger.Repository { return m }

func (m *memLedger) Create(ctx context.Context, entry *models.Transaction) error {
	copied := *entry
	m.entries[entry.ID] = &copied
	return nil
}

func (m *memLedger) CreateBatch(ctx context.Context, entries []models.Transaction) error {
	for i := range entries {
		if err := m.Create(ctx, &entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memLedger) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	if entry, ok := m.entries[id]; ok {
		return entry, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memLedger) FindByTransferID(ctx context.Context, transferID string) (*models.Transaction, error) {
	for _, entry := range m.entries {
		if entry.StripeTransferID != nil && *entry.StripeTransferID == transferID {
			return entry, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memLedger) ListByBookingID(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	return nil, nil
}

func (m *memLedger) BalanceFor(ctx context.Context, beneficiaryID uuid.UUID) (*ledger.Balance, error) {
	balance := &ledger.Balance{
		Available: decimal.Zero,
		Held:      decimal.Zero,
		Lifetime:  decimal.Zero,
	}
	for _, entry := range m.entries {
		if entry.BeneficiaryID == nil || *entry.BeneficiaryID != beneficiaryID {
			continue
		}
		switch {
		case entry.State == enums.TransactionStateAvailable || entry.Kind == enums.TransactionKindWithdrawal:
			balance.Available = balance.Available.Add(entry.Amount)
		case entry.State == enums.TransactionStateHeld:
			balance.Held = balance.Held.Add(entry.Amount)
		}
	}
	return balance, nil
}

func (m *memLedger) PromoteMatured(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memLedger) MarkDisputedByBooking(ctx context.Context, bookingID uuid.UUID) (int64, error) {
	var moved int64
	for _, entry := range m.entries {
		if entry.BookingID == nil || *entry.BookingID != bookingID {
			continue
		}
		if entry.State == enums.TransactionStateHeld || entry.State == enums.TransactionStateAvailable {
			entry.State = enums.TransactionStateDisputed
			moved++
		}
	}
	return moved, nil
}

func (m *memLedger) UpdateState(ctx context.Context, id uuid.UUID, state enums.TransactionState) error {
	entry, ok := m.entries[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	entry.State = state
	return nil
}

func (m *memLedger) TransitionState(ctx context.Context, id uuid.UUID, from []enums.TransactionState, to enums.TransactionState) (bool, error) {
	entry, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	for _, state := range from {
		if entry.State == state {
			entry.State = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) StampTransfer(ctx context.Context, id uuid.UUID, transferID string, state enums.TransactionState) (bool, error) {
	entry, ok := m.entries[id]
	if !ok {
		return false, nil
	}
	if entry.State != enums.TransactionStateAvailable && entry.State != enums.TransactionStatePending {
		return false, nil
	}
	entry.StripeTransferID = &transferID
	entry.State = state
	return true, nil
}

func (m *memLedger) AcquireBeneficiaryLock(ctx context.Context, beneficiaryID uuid.UUID) error {
	return nil
}

func (m *memLedger) credit(beneficiary uuid.UUID, amount string, state enums.TransactionState) {
	id := uuid.New()
	m.entries[id] = &models.Transaction{
		ID:            id,
		BeneficiaryID: &beneficiary,
		Kind:          enums.TransactionKindTutorEarning,
		Amount:        decimal.RequireFromString(amount),
		State:         state,
		Currency:      "usd",
	}
}

type fakeBookingsRepo struct {
	byPaymentID map[string]*models.Booking
}

func (f *fakeBookingsRepo) WithTx(tx *gorm.DB) bookings.Repository            { return f }
func (f *fakeBookingsRepo) Create(ctx context.Context, b *models.Booking) error { return nil }

func (f *fakeBookingsRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBookingsRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBookingsRepo) FindByStripePaymentID(ctx context.Context, paymentID string) (*models.Booking, error) {
	if b, ok := f.byPaymentID[paymentID]; ok {
		return b, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeBookingsRepo) MarkPaid(ctx context.Context, id uuid.UUID, stripePaymentID string, paidAt time.Time) error {
	return nil
}

type fakeTransferClient struct {
	err      error
	requests []pkgstripe.TransferRequest
}

func (f *fakeTransferClient) SubmitTransfer(ctx context.Context, req pkgstripe.TransferRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("tr_%d", len(f.requests)), nil
}

func payoutPolicy() config.PayoutConfig {
	return config.PayoutConfig{MinAmount: "10.00", MaxAmount: "10000.00"}
}

func newTestService(t *testing.T, repo ledger.Repository, transfers TransferClient) Service {
	t.Helper()
	svc, err := NewService(repo, &fakeBookingsRepo{}, transfers, fakeTxRunner{}, payoutPolicy(), "usd", nil, nil)
	require.NoError(t, err)
	return svc
}

func withdraw(beneficiary uuid.UUID, amount string) WithdrawInput {
	return WithdrawInput{
		BeneficiaryID:      beneficiary,
		Amount:             decimal.RequireFromString(amount),
		DestinationAccount: "acct_1",
	}
}

func TestWithdraw_Success(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "40.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusPaidOut, result.Status)
	assert.NotEmpty(t, result.TransferID)

	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatePaidOut, entry.State)
	assert.True(t, entry.Amount.Equal(decimal.RequireFromString("-40.00")))

	require.Len(t, transfers.requests, 1)
	assert.Equal(t, result.TransactionID.String(), transfers.requests[0].IdempotencyKey)
	assert.Equal(t, int64(4000), transfers.requests[0].AmountCents)
	assert.Equal(t, result.TransactionID.String(), transfers.requests[0].Metadata[MetadataWithdrawalID])
}

func TestWithdraw_NeverOverdrafts(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	svc := newTestService(t, repo, &fakeTransferClient{})

	first, err := svc.Withdraw(context.Background(), withdraw(tutor, "40.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusPaidOut, first.Status)

	second, err := svc.Withdraw(context.Background(), withdraw(tutor, "40.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusRejected, second.Status)
	assert.Contains(t, second.Reason, "insufficient available balance")
}

func TestWithdraw_HeldBalanceNotSpendable(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "100.00", enums.TransactionStateHeld)

	svc := newTestService(t, repo, &fakeTransferClient{})

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "50.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusRejected, result.Status)
}

func TestWithdraw_Bounds(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50000.00", enums.TransactionStateAvailable)

	svc := newTestService(t, repo, &fakeTransferClient{})

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "5.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "below minimum")

	result, err = svc.Withdraw(context.Background(), withdraw(tutor, "20000.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusRejected, result.Status)
	assert.Contains(t, result.Reason, "above maximum")
}

func TestWithdraw_TransferFailureReversesBalance(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{err: errors.New("account cannot receive transfers")}
	svc := newTestService(t, repo, transfers)

	before, err := repo.BalanceFor(context.Background(), tutor)
	require.NoError(t, err)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusRejected, result.Status)

	after, err := repo.BalanceFor(context.Background(), tutor)
	require.NoError(t, err)
	assert.True(t, after.Available.Equal(before.Available), "balance must round-trip: %s vs %s", after.Available, before.Available)

	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStateFailed, entry.State)
}

func TestWithdraw_UnknownOutcomeStaysPending(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{err: fmt.Errorf("%w: timeout", pkgstripe.ErrOutcomeUnknown)}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	assert.Equal(t, enums.PayoutStatusPending, result.Status)

	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatePending, entry.State)

	// The debit stays in place while pending, keeping the funds locked.
	balance, err := repo.BalanceFor(context.Background(), tutor)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("50.00")))
}

func TestReconcileTransfer_ResolvesPendingWithdrawal(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{err: fmt.Errorf("%w: timeout", pkgstripe.ErrOutcomeUnknown)}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	require.Equal(t, enums.PayoutStatusPending, result.Status)

	withdrawalID := result.TransactionID
	require.NoError(t, svc.ReconcileTransfer(context.Background(), ReconcileInput{
		TransferID:   "tr_late",
		WithdrawalID: &withdrawalID,
		Succeeded:    true,
	}))

	entry, err := repo.FindByID(context.Background(), withdrawalID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatePaidOut, entry.State)
	require.NotNil(t, entry.StripeTransferID)
	assert.Equal(t, "tr_late", *entry.StripeTransferID)

	// Redelivery is a no-op.
	require.NoError(t, svc.ReconcileTransfer(context.Background(), ReconcileInput{
		TransferID: "tr_late",
		Succeeded:  true,
	}))
}

func TestReconcileTransfer_FailureAfterPayoutReverses(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	require.Equal(t, enums.PayoutStatusPaidOut, result.Status)

	require.NoError(t, svc.ReconcileTransfer(context.Background(), ReconcileInput{
		TransferID: result.TransferID,
		Succeeded:  false,
	}))

	balance, err := repo.BalanceFor(context.Background(), tutor)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("50.00")), "got %s", balance.Available)

	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStateFailed, entry.State)
}

func TestReconcileTransfer_RacingFailureEventsReverseOnce(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{err: fmt.Errorf("%w: timeout", pkgstripe.ErrOutcomeUnknown)}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	require.Equal(t, enums.PayoutStatusPending, result.Status)

	// transfer.failed and transfer.canceled carry distinct event ids, so
	// both handlers can read the withdrawal as pending before either
	// terminal flip lands. Model both with stale snapshots.
	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	staleA := *entry
	staleB := *entry

	raw := svc.(*service)
	require.NoError(t, raw.reverseWithdrawal(context.Background(), &staleA, "transfer failed or canceled"))
	require.NoError(t, raw.reverseWithdrawal(context.Background(), &staleB, "transfer failed or canceled"))

	reversals := 0
	for _, e := range repo.entries {
		if e.Kind == enums.TransactionKindReversal {
			reversals++
		}
	}
	assert.Equal(t, 1, reversals)

	balance, err := repo.BalanceFor(context.Background(), tutor)
	require.NoError(t, err)
	assert.True(t, balance.Available.Equal(decimal.RequireFromString("50.00")), "got %s", balance.Available)

	entry, err = repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStateFailed, entry.State)
}

func TestReconcileTransfer_SuccessLosesToConcurrentReversal(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	repo.credit(tutor, "50.00", enums.TransactionStateAvailable)

	transfers := &fakeTransferClient{err: fmt.Errorf("%w: timeout", pkgstripe.ErrOutcomeUnknown)}
	svc := newTestService(t, repo, transfers)

	result, err := svc.Withdraw(context.Background(), withdraw(tutor, "30.00"))
	require.NoError(t, err)
	require.Equal(t, enums.PayoutStatusPending, result.Status)

	entry, err := repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	stale := *entry

	require.NoError(t, svc.ReconcileTransfer(context.Background(), ReconcileInput{
		WithdrawalID: &result.TransactionID,
		Succeeded:    false,
	}))

	// A success handler that read the withdrawal before the reversal must
	// not stamp it back to paid_out.
	raw := svc.(*service)
	err = raw.resolvePaidOut(context.Background(), &stale, "tr_late")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())

	entry, err = repo.FindByID(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStateFailed, entry.State)
	assert.Nil(t, entry.StripeTransferID)
}

func TestReconcileTransfer_MetadataMatchKeepsStampedReference(t *testing.T) {
	repo := newMemLedger()
	tutor := uuid.New()
	transferID := "tr_orig"
	withdrawalID := uuid.New()
	repo.entries[withdrawalID] = &models.Transaction{
		ID:               withdrawalID,
		BeneficiaryID:    &tutor,
		Kind:             enums.TransactionKindWithdrawal,
		Amount:           decimal.RequireFromString("-30.00"),
		State:            enums.TransactionStatePending,
		Currency:         "usd",
		StripeTransferID: &transferID,
	}

	svc := newTestService(t, repo, &fakeTransferClient{})

	// Success event matched by withdrawal metadata only; no transfer id to
	// stamp, and the existing reference must survive.
	require.NoError(t, svc.ReconcileTransfer(context.Background(), ReconcileInput{
		WithdrawalID: &withdrawalID,
		Succeeded:    true,
	}))

	entry, err := repo.FindByID(context.Background(), withdrawalID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatePaidOut, entry.State)
	require.NotNil(t, entry.StripeTransferID)
	assert.Equal(t, "tr_orig", *entry.StripeTransferID)
}

func TestReconcileTransfer_UnknownWithdrawal(t *testing.T) {
	svc := newTestService(t, newMemLedger(), &fakeTransferClient{})

	err := svc.ReconcileTransfer(context.Background(), ReconcileInput{TransferID: "tr_missing", Succeeded: true})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestOpenDispute_FreezesSiblings(t *testing.T) {
	repo := newMemLedger()
	bookingID := uuid.New()
	tutor := uuid.New()

	held := models.Transaction{
		ID:            uuid.New(),
		BookingID:     &bookingID,
		BeneficiaryID: &tutor,
		Kind:          enums.TransactionKindTutorEarning,
		Amount:        decimal.RequireFromString("90.00"),
		State:         enums.TransactionStateHeld,
	}
	require.NoError(t, repo.Create(context.Background(), &held))

	bookingsRepo := &fakeBookingsRepo{byPaymentID: map[string]*models.Booking{
		"pi_disputed": {ID: bookingID},
	}}
	svc, err := NewService(repo, bookingsRepo, &fakeTransferClient{}, fakeTxRunner{}, payoutPolicy(), "usd", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.OpenDispute(context.Background(), "pi_disputed"))

	entry, err := repo.FindByID(context.Background(), held.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStateDisputed, entry.State)

	err = svc.OpenDispute(context.Background(), "pi_unknown")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}
