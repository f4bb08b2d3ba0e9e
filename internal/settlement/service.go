package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tutorlink/tutorlink-backend/internal/attribution"
	"github.com/tutorlink/tutorlink-backend/internal/bookings"
	"github.com/tutorlink/tutorlink-backend/internal/ledger"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
	"github.com/tutorlink/tutorlink-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service turns one successful payment into the booking's full zero-sum
// ledger write set.
type Service interface {
	Settle(ctx context.Context, input SettleInput) (*Result, error)
}

// SettleInput identifies the booking and the processor's payment reference.
type SettleInput struct {
	BookingID       uuid.UUID
	StripePaymentID string
}

// Result reports what the settlement attempt did.
type Result struct {
	BookingID      uuid.UUID
	AlreadySettled bool
	Entries        []models.Transaction
}

type service struct {
	bookingsRepo bookings.Repository
	ledgerRepo   ledger.Repository
	resolver     *attribution.Resolver
	tx           txRunner
	cfg          config.SettlementConfig
	logg         *logger.Logger
	metrics      *metrics.EngineMetrics
}

// NewService builds the settlement engine with its required dependencies.
func NewService(
	bookingsRepo bookings.Repository,
	ledgerRepo ledger.Repository,
	resolver *attribution.Resolver,
	tx txRunner,
	cfg config.SettlementConfig,
	logg *logger.Logger,
	engineMetrics *metrics.EngineMetrics,
) (Service, error) {
	if bookingsRepo == nil {
		return nil, fmt.Errorf("bookings repository required")
	}
	if ledgerRepo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("attribution resolver required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{
		bookingsRepo: bookingsRepo,
		ledgerRepo:   ledgerRepo,
		resolver:     resolver,
		tx:           tx,
		cfg:          cfg,
		logg:         logg,
		metrics:      engineMetrics,
	}, nil
}

// Settle loads and locks the booking, applies the attribution split, and
// writes the whole transaction set plus the paid transition in one
// database transaction. Redelivered payment references are no-ops.
func (s *service) Settle(ctx context.Context, input SettleInput) (*Result, error) {
	if input.BookingID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "booking id required")
	}
	if input.StripePaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference required")
	}

	result := &Result{BookingID: input.BookingID}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		bookingsRepo := s.bookingsRepo.WithTx(tx)
		ledgerRepo := s.ledgerRepo.WithTx(tx)

		// Row lock serializes concurrent settlement attempts for this booking.
		booking, err := bookingsRepo.FindByIDForUpdate(ctx, input.BookingID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgerrors.New(pkgerrors.CodeNotFound, "booking not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load booking")
		}

		if booking.StripePaymentID != nil && *booking.StripePaymentID == input.StripePaymentID {
			result.AlreadySettled = true
			return nil
		}
		if booking.Status == enums.BookingStatusPaid {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "booking already settled under a different payment reference")
		}

		now := time.Now().UTC()
		availableAt := booking.LessonEndAt.Add(s.cfg.HoldDuration)
		plan := s.resolver.Resolve(booking)

		entries := s.buildEntries(booking, plan, now, availableAt)
		if err := ledgerRepo.CreateBatch(ctx, entries); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write ledger entries")
		}
		if err := bookingsRepo.MarkPaid(ctx, booking.ID, input.StripePaymentID, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark booking paid")
		}

		result.Entries = entries
		return nil
	})
	if err != nil {
		s.metrics.IncSettlement("error")
		return nil, err
	}

	if result.AlreadySettled {
		s.metrics.IncSettlement("duplicate")
		if s.logg != nil {
			s.logg.Info(s.logg.WithBookingID(ctx, input.BookingID.String()), "payment already settled, skipping")
		}
		return result, nil
	}

	s.metrics.IncSettlement("settled")
	if s.logg != nil {
		s.logg.Info(s.logg.WithBookingID(ctx, input.BookingID.String()),
			fmt.Sprintf("settled booking: %d ledger entries written", len(result.Entries)))
	}
	return result, nil
}

// buildEntries materializes the split plan. The payment debit and the
// platform fee are available immediately; every other share is held until
// the protection window elapses.
func (s *service) buildEntries(booking *models.Booking, plan attribution.SplitPlan, now, availableAt time.Time) []models.Transaction {
	bookingID := booking.ID
	clientID := booking.ClientID
	currency := booking.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	entries := make([]models.Transaction, 0, len(plan.Shares)+1)
	entries = append(entries, models.Transaction{
		ID:            uuid.New(),
		BookingID:     &bookingID,
		BeneficiaryID: &clientID,
		Kind:          enums.TransactionKindPayment,
		Amount:        plan.Gross.Neg(),
		State:         enums.TransactionStateAvailable,
		Currency:      currency,
		AvailableAt:   &now,
		Subject:       booking.Subject,
		TutorName:     booking.TutorName,
		ClientName:    booking.ClientName,
		Description:   "client payment received",
	})

	for _, share := range plan.Shares {
		entry := models.Transaction{
			ID:            uuid.New(),
			BookingID:     &bookingID,
			BeneficiaryID: share.BeneficiaryID,
			Kind:          share.Kind,
			Amount:        share.Amount,
			Currency:      currency,
			Subject:       booking.Subject,
			TutorName:     booking.TutorName,
			ClientName:    booking.ClientName,
			Description:   fmt.Sprintf("%s (%s%%)", share.Kind, share.Percent),
		}
		if share.Kind == enums.TransactionKindPlatformFee {
			entry.State = enums.TransactionStateAvailable
			entryNow := now
			entry.AvailableAt = &entryNow
		} else {
			entry.State = enums.TransactionStateHeld
			entryAt := availableAt
			entry.AvailableAt = &entryAt
		}
		entries = append(entries, entry)
	}
	return entries
}
