package payouts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
	"github.com/tutorlink/tutorlink-backend/pkg/metrics"
	pkgstripe "github.com/tutorlink/tutorlink-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// TransferClient is the subset of the Stripe surface the processor needs.
type TransferClient interface {
	SubmitTransfer(ctx context.Context, req pkgstripe.TransferRequest) (string, error)
}

// Service moves available balances out to beneficiaries and reconciles the
// asynchronous outcomes Stripe reports afterwards.
type Service interface {
	Withdraw(ctx context.Context, input WithdrawInput) (*WithdrawResult, error)
	ReconcileTransfer(ctx context.Context, input ReconcileInput) error
	Balance(ctx context.Context, beneficiaryID uuid.UUID) (*ledger.Balance, error)
	OpenDispute(ctx context.Context, stripePaymentID string) error
}

// WithdrawInput carries one withdrawal request. DestinationAccount is the
// beneficiary's connected Stripe account, supplied by the caller because the
// engine does not own beneficiary profiles.
type WithdrawInput struct {
	BeneficiaryID      uuid.UUID
	Amount             decimal.Decimal
	DestinationAccount string
}

// WithdrawResult reports the outcome of a withdrawal request. Rejections are
// results, not errors: the reason tells the caller what to fix.
type WithdrawResult struct {
	Status        enums.PayoutStatus
	Reason        string
	TransactionID uuid.UUID
	TransferID    string
}

// ReconcileInput matches a transfer outcome event back to its withdrawal.
// WithdrawalID comes from the transfer's metadata and covers transfers whose
// submission timed out before an id could be stamped.
type ReconcileInput struct {
	TransferID   string
	WithdrawalID *uuid.UUID
	Succeeded    bool
}

type service struct {
	ledgerRepo   ledger.Repository
	bookingsRepo bookings.Repository
	transfers    TransferClient
	tx           txRunner
	cfg          config.PayoutConfig
	currency     string
	logg         *logger.Logger
	metrics      *metrics.EngineMetrics
}

// NewService builds the payout processor with its required dependencies.
func NewService(
	ledgerRepo ledger.Repository,
	bookingsRepo bookings.Repository,
	transfers TransferClient,
	tx txRunner,
	cfg config.PayoutConfig,
	currency string,
	logg *logger.Logger,
	engineMetrics *metrics.EngineMetrics,
) (Service, error) {
	if ledgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if bookingsRepo == nil {
		return nil, fmt.Errorf("bookings repository required")
	}
	if transfers == nil {
		return nil, fmt.Errorf("transfer client required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if currency == "" {
		currency = "usd"
	}
	return &service{
		ledgerRepo:   ledgerRepo,
		bookingsRepo: bookingsRepo,
		transfers:    transfers,
		tx:           tx,
		cfg:          cfg,
		currency:     currency,
		logg:         logg,
		metrics:      engineMetrics,
	}, nil
}

// MetadataWithdrawalID is the transfer metadata key carrying the withdrawal
// transaction id, used to reconcile transfer events back to the ledger.
const MetadataWithdrawalID = "withdrawal_id"

// Withdraw debits the beneficiary's available pool and submits the Stripe
// transfer. The balance check and the debit share one transaction under a
// per-beneficiary advisory lock, so two concurrent requests can never both
// spend the same balance. The network call happens after commit; its
// idempotency key is the withdrawal's own id, so a retried submission can
// never transfer twice.
func (s *service) Withdraw(ctx context.Context, input WithdrawInput) (*WithdrawResult, error) {
	if input.BeneficiaryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "beneficiary id required")
	}
	if input.DestinationAccount == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "destination account required")
	}
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	if input.Amount.LessThan(s.cfg.Min()) {
		s.metrics.IncPayout("rejected")
		return &WithdrawResult{
			Status: enums.PayoutStatusRejected,
			Reason: fmt.Sprintf("amount below minimum of %s", s.cfg.Min()),
		}, nil
	}
	if input.Amount.GreaterThan(s.cfg.Max()) {
		s.metrics.IncPayout("rejected")
		return &WithdrawResult{
			Status: enums.PayoutStatusRejected,
			Reason: fmt.Sprintf("amount above maximum of %s", s.cfg.Max()),
		}, nil
	}

	withdrawal := models.Transaction{
		ID:            uuid.New(),
		BeneficiaryID: &input.BeneficiaryID,
		Kind:          enums.TransactionKindWithdrawal,
		Amount:        input.Amount.Neg(),
		State:         enums.TransactionStateAvailable,
		Currency:      s.currency,
		Description:   "withdrawal to external account",
	}

	var rejected *WithdrawResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledgerRepo.WithTx(tx)
		if err := repo.AcquireBeneficiaryLock(ctx, input.BeneficiaryID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire beneficiary lock")
		}
		balance, err := repo.BalanceFor(ctx, input.BeneficiaryID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "compute balance")
		}
		if input.Amount.GreaterThan(balance.Available) {
			rejected = &WithdrawResult{
				Status: enums.PayoutStatusRejected,
				Reason: fmt.Sprintf("insufficient available balance: %s", balance.Available),
			}
			return nil
		}
		if err := repo.Create(ctx, &withdrawal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write withdrawal entry")
		}
		return nil
	})
	if err != nil {
		s.metrics.IncPayout("error")
		return nil, err
	}
	if rejected != nil {
		s.metrics.IncPayout("rejected")
		return rejected, nil
	}

	transferID, err := s.transfers.SubmitTransfer(ctx, pkgstripe.TransferRequest{
		IdempotencyKey: withdrawal.ID.String(),
		Destination:    input.DestinationAccount,
		AmountCents:    amountToCents(input.Amount),
		Currency:       s.currency,
		Description:    "tutorlink balance withdrawal",
		Metadata:       map[string]string{MetadataWithdrawalID: withdrawal.ID.String()},
	})
	switch {
	case err == nil:
		stamped, err := s.ledgerRepo.StampTransfer(ctx, withdrawal.ID, transferID, enums.TransactionStatePaidOut)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stamp transfer reference")
		}
		if !stamped && s.logg != nil {
			// A transfer event beat us to the terminal state; its
			// outcome stands.
			s.logg.Warn(s.logg.WithBeneficiaryID(ctx, input.BeneficiaryID.String()),
				fmt.Sprintf("withdrawal %s reconciled concurrently, stamp skipped", withdrawal.ID))
		}
		s.metrics.IncPayout("paid_out")
		if s.logg != nil {
			s.logg.Info(s.logg.WithBeneficiaryID(ctx, input.BeneficiaryID.String()),
				fmt.Sprintf("withdrawal %s paid out via %s", withdrawal.ID, transferID))
		}
		return &WithdrawResult{
			Status:        enums.PayoutStatusPaidOut,
			TransactionID: withdrawal.ID,
			TransferID:    transferID,
		}, nil

	case errors.Is(err, pkgstripe.ErrOutcomeUnknown):
		// Stripe may have accepted the transfer; a transfer.paid or
		// transfer.failed event resolves it. Never resubmit here.
		if err := s.ledgerRepo.UpdateState(ctx, withdrawal.ID, enums.TransactionStatePending); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark withdrawal pending")
		}
		s.metrics.IncPayout("pending")
		if s.logg != nil {
			s.logg.Warn(s.logg.WithBeneficiaryID(ctx, input.BeneficiaryID.String()),
				fmt.Sprintf("withdrawal %s outcome unknown, awaiting transfer event", withdrawal.ID))
		}
		return &WithdrawResult{
			Status:        enums.PayoutStatusPending,
			Reason:        "transfer submitted, awaiting confirmation",
			TransactionID: withdrawal.ID,
		}, nil

	default:
		if revErr := s.reverseWithdrawal(ctx, &withdrawal, "transfer submission failed"); revErr != nil {
			return nil, revErr
		}
		s.metrics.IncPayout("failed")
		if s.logg != nil {
			s.logg.Error(s.logg.WithBeneficiaryID(ctx, input.BeneficiaryID.String()),
				"withdrawal transfer failed, balance restored", err)
		}
		return &WithdrawResult{
			Status:        enums.PayoutStatusRejected,
			Reason:        "transfer submission failed",
			TransactionID: withdrawal.ID,
		}, nil
	}
}

// ReconcileTransfer applies a terminal transfer outcome reported by Stripe.
// Already-resolved withdrawals are no-ops, so redelivered events are safe.
func (s *service) ReconcileTransfer(ctx context.Context, input ReconcileInput) error {
	if input.TransferID == "" && input.WithdrawalID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "transfer id or withdrawal id required")
	}

	withdrawal, err := s.findWithdrawal(ctx, input)
	if err != nil {
		return err
	}

	if input.Succeeded {
		switch withdrawal.State {
		case enums.TransactionStatePaidOut:
			return nil
		case enums.TransactionStatePending, enums.TransactionStateAvailable:
			return s.resolvePaidOut(ctx, withdrawal, input.TransferID)
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("transfer succeeded but withdrawal is %s", withdrawal.State))
		}
	}

	switch withdrawal.State {
	case enums.TransactionStateFailed:
		return nil
	case enums.TransactionStatePending, enums.TransactionStateAvailable, enums.TransactionStatePaidOut:
		return s.reverseWithdrawal(ctx, withdrawal, "transfer failed or canceled")
	default:
		return pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("transfer failed but withdrawal is %s", withdrawal.State))
	}
}

func (s *service) findWithdrawal(ctx context.Context, input ReconcileInput) (*models.Transaction, error) {
	if input.TransferID != "" {
		withdrawal, err := s.ledgerRepo.FindByTransferID(ctx, input.TransferID)
		if err == nil {
			return withdrawal, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find withdrawal by transfer")
		}
	}
	if input.WithdrawalID != nil {
		withdrawal, err := s.ledgerRepo.FindByID(ctx, *input.WithdrawalID)
		if err == nil {
			return withdrawal, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find withdrawal by id")
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "withdrawal not found for transfer")
}

// resolvePaidOut flips an in-flight withdrawal to paid_out, stamping the
// transfer reference when the event carries one. A metadata-matched event
// without a transfer id must not blank a previously stamped reference.
func (s *service) resolvePaidOut(ctx context.Context, withdrawal *models.Transaction, transferID string) error {
	inFlight := []enums.TransactionState{
		enums.TransactionStatePending,
		enums.TransactionStateAvailable,
	}

	var won bool
	var err error
	if transferID == "" {
		won, err = s.ledgerRepo.TransitionState(ctx, withdrawal.ID, inFlight, enums.TransactionStatePaidOut)
	} else {
		won, err = s.ledgerRepo.StampTransfer(ctx, withdrawal.ID, transferID, enums.TransactionStatePaidOut)
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve withdrawal paid out")
	}
	if !won {
		return pkgerrors.New(pkgerrors.CodeStateConflict,
			"transfer succeeded but withdrawal was resolved concurrently")
	}
	return nil
}

// reverseWithdrawal restores the beneficiary's balance with a compensating
// entry and marks the original withdrawal failed. The original row is never
// deleted; the ledger stays append-only. The failed flip is a guarded
// transition and the reversal is written only when the flip won, so two
// terminal-failure events racing the same withdrawal (transfer.failed and
// transfer.canceled carry distinct event ids) produce exactly one reversal.
func (s *service) reverseWithdrawal(ctx context.Context, withdrawal *models.Transaction, reason string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledgerRepo.WithTx(tx)
		won, err := repo.TransitionState(ctx, withdrawal.ID, []enums.TransactionState{
			enums.TransactionStatePending,
			enums.TransactionStateAvailable,
			enums.TransactionStatePaidOut,
		}, enums.TransactionStateFailed)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark withdrawal failed")
		}
		if !won {
			// Already reversed by a concurrent event.
			return nil
		}
		reversal := models.Transaction{
			ID:            uuid.New(),
			BookingID:     withdrawal.BookingID,
			BeneficiaryID: withdrawal.BeneficiaryID,
			Kind:          enums.TransactionKindReversal,
			Amount:        withdrawal.Amount.Neg(),
			State:         enums.TransactionStateAvailable,
			Currency:      withdrawal.Currency,
			Description:   reason,
		}
		if err := repo.Create(ctx, &reversal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write reversal entry")
		}
		return nil
	})
}

// Balance reports the beneficiary's live position from the ledger.
func (s *service) Balance(ctx context.Context, beneficiaryID uuid.UUID) (*ledger.Balance, error) {
	if beneficiaryID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "beneficiary id required")
	}
	balance, err := s.ledgerRepo.BalanceFor(ctx, beneficiaryID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "compute balance")
	}
	return balance, nil
}

// OpenDispute moves every non-terminal ledger entry of the disputed payment's
// booking to disputed.
func (s *service) OpenDispute(ctx context.Context, stripePaymentID string) error {
	if stripePaymentID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment reference required")
	}
	booking, err := s.bookingsRepo.FindByStripePaymentID(ctx, stripePaymentID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no booking for disputed payment")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load disputed booking")
	}
	moved, err := s.ledgerRepo.MarkDisputedByBooking(ctx, booking.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark entries disputed")
	}
	if s.logg != nil {
		s.logg.Warn(s.logg.WithBookingID(ctx, booking.ID.String()),
			fmt.Sprintf("dispute opened: %d ledger entries frozen", moved))
	}
	return nil
}

func amountToCents(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
