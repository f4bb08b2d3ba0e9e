package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
)

// Balance is a beneficiary's derived position, computed live from the
// ledger. Lifetime counts earned commissions and fees only, not the
// withdrawal/reversal churn on top of them.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Lifetime  decimal.Decimal `json:"lifetime_total"`
}

// Repository manages persistence for ledger transactions. Entries are
// append-only: the only updates allowed advance state or stamp the external
// transfer reference.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.Transaction) error
	CreateBatch(ctx context.Context, entries []models.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	FindByTransferID(ctx context.Context, transferID string) (*models.Transaction, error)
	ListByBookingID(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error)
	BalanceFor(ctx context.Context, beneficiaryID uuid.UUID) (*Balance, error)
	PromoteMatured(ctx context.Context, now time.Time) (int64, error)
	MarkDisputedByBooking(ctx context.Context, bookingID uuid.UUID) (int64, error)
	UpdateState(ctx context.Context, id uuid.UUID, state enums.TransactionState) error
	TransitionState(ctx context.Context, id uuid.UUID, from []enums.TransactionState, to enums.TransactionState) (bool, error)
	StampTransfer(ctx context.Context, id uuid.UUID, transferID string, state enums.TransactionState) (bool, error)
	AcquireBeneficiaryLock(ctx context.Context, beneficiaryID uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, entry *models.Transaction) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repository) CreateBatch(ctx context.Context, entries []models.Transaction) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var entry models.Transaction
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) FindByTransferID(ctx context.Context, transferID string) (*models.Transaction, error) {
	var entry models.Transaction
	err := r.db.WithContext(ctx).
		Where("stripe_transfer_id = ?", transferID).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repository) ListByBookingID(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	var entries []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

var earningKinds = []enums.TransactionKind{
	enums.TransactionKindTutorEarning,
	enums.TransactionKindReferralCommission,
	enums.TransactionKindAgentCommission,
	enums.TransactionKindPlatformFee,
}

// BalanceFor derives the beneficiary's position. Withdrawal debits count
// against the available pool in every state: once submitted the money is
// spoken for, and only a reversal entry brings it back.
func (r *repository) BalanceFor(ctx context.Context, beneficiaryID uuid.UUID) (*Balance, error) {
	var row struct {
		Available decimal.Decimal
		Held      decimal.Decimal
		Lifetime  decimal.Decimal
	}
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Select(`
			COALESCE(SUM(CASE WHEN state = ? OR kind = ? THEN amount ELSE 0 END), 0) AS available,
			COALESCE(SUM(CASE WHEN state = ? THEN amount ELSE 0 END), 0) AS held,
			COALESCE(SUM(CASE WHEN kind IN ? THEN amount ELSE 0 END), 0) AS lifetime`,
			enums.TransactionStateAvailable,
			enums.TransactionKindWithdrawal,
			enums.TransactionStateHeld,
			earningKinds,
		).
		Where("beneficiary_id = ?", beneficiaryID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &Balance{
		Available: row.Available,
		Held:      row.Held,
		Lifetime:  row.Lifetime,
	}, nil
}

// PromoteMatured flips every held entry whose hold window has elapsed to
// available. The selection predicate makes repeat invocations no-ops.
func (r *repository) PromoteMatured(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("state = ? AND available_at <= ?", enums.TransactionStateHeld, now).
		Updates(map[string]any{"state": enums.TransactionStateAvailable})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// MarkDisputedByBooking moves every non-terminal sibling entry of the
// booking to disputed. Entries already paid out stay paid out; clawing those
// back is a manual remediation, not a bulk state flip.
func (r *repository) MarkDisputedByBooking(ctx context.Context, bookingID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("booking_id = ? AND state IN ?", bookingID, []enums.TransactionState{
			enums.TransactionStateHeld,
			enums.TransactionStateAvailable,
		}).
		Updates(map[string]any{"state": enums.TransactionStateDisputed})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) UpdateState(ctx context.Context, id uuid.UUID, state enums.TransactionState) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(map[string]any{"state": state}).Error
}

// TransitionState flips the entry to the target state only when it is
// currently in one of the expected states, reporting whether the flip won.
// Concurrent writers racing the same entry get exactly one winner.
func (r *repository) TransitionState(ctx context.Context, id uuid.UUID, from []enums.TransactionState, to enums.TransactionState) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(map[string]any{"state": to})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// StampTransfer records the external transfer reference and the resulting
// state. Only in-flight entries can be stamped; an entry that already
// reached a terminal state is left untouched and the stamp reports false.
func (r *repository) StampTransfer(ctx context.Context, id uuid.UUID, transferID string, state enums.TransactionState) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND state IN ?", id, []enums.TransactionState{
			enums.TransactionStateAvailable,
			enums.TransactionStatePending,
		}).
		Updates(map[string]any{
			"stripe_transfer_id": transferID,
			"state":              state,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AcquireBeneficiaryLock takes a transaction-scoped advisory lock keyed on
// the beneficiary, serializing the balance-check-then-debit sequence across
// concurrent withdrawal requests. Must be called inside a transaction; the
// lock releases on commit or rollback.
func (r *repository) AcquireBeneficiaryLock(ctx context.Context, beneficiaryID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Exec("SELECT pg_advisory_xact_lock(hashtext(?))", beneficiaryID.String()).Error
}
