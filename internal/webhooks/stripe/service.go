package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/tutorlink/tutorlink-backend/internal/dlq"
	"github.com/tutorlink/tutorlink-backend/internal/payouts"
	"github.com/tutorlink/tutorlink-backend/internal/settlement"
	"github.com/tutorlink/tutorlink-backend/pkg/config"
	"github.com/tutorlink/tutorlink-backend/pkg/db/models"
	"github.com/tutorlink/tutorlink-backend/pkg/enums"
	pkgerrors "github.com/tutorlink/tutorlink-backend/pkg/errors"
	"github.com/tutorlink/tutorlink-backend/pkg/logger"
	"github.com/tutorlink/tutorlink-backend/pkg/metrics"
)

// MetadataBookingID is the payment intent metadata key the booking flow
// stamps at checkout so settlement can find the booking.
const MetadataBookingID = "booking_id"

const retryBaseBackoff = 200 * time.Millisecond

type ServiceParams struct {
	Settlement settlement.Service
	Payouts    payouts.Service
	DLQRepo    dlq.Repository
	Guard      *IdempotencyGuard
	Config     config.IntakeConfig
	Logger     *logger.Logger
	Metrics    *metrics.EngineMetrics
}

// Service is the intake boundary for processor events: it fences duplicate
// deliveries, dispatches by event kind, retries transient failures a bounded
// number of times, and parks anything it still cannot apply in the dead
// letter queue before acknowledging the sender.
type Service struct {
	settlement settlement.Service
	payouts    payouts.Service
	dlqRepo    dlq.Repository
	guard      *IdempotencyGuard
	cfg        config.IntakeConfig
	logg       *logger.Logger
	metrics    *metrics.EngineMetrics
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Settlement == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "settlement service required")
	}
	if params.Payouts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payouts service required")
	}
	if params.DLQRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "dlq repo required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	return &Service{
		settlement: params.Settlement,
		payouts:    params.Payouts,
		dlqRepo:    params.DLQRepo,
		guard:      params.Guard,
		cfg:        params.Config,
		logg:       params.Logger,
		metrics:    params.Metrics,
	}, nil
}

// HandleEvent runs the full intake pipeline for one verified event. A nil
// return means the caller must acknowledge the sender: either the event was
// applied, was a duplicate, was irrelevant, or is safely parked in the DLQ.
// An error return means nothing durable was recorded and the sender should
// redeliver.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event required")
	}

	kind := enums.PaymentEventKindFromStripe(string(event.Type))
	if kind == enums.PaymentEventIgnored {
		s.metrics.IncEvent(string(kind), "ignored")
		return nil
	}

	duplicate, err := s.guard.CheckAndMark(ctx, event.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "idempotency check")
	}
	if duplicate {
		s.metrics.IncEvent(string(kind), "duplicate")
		if s.logg != nil {
			s.logg.Info(s.logg.WithEventID(ctx, event.ID), "duplicate event delivery, skipping")
		}
		return nil
	}

	if s.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Deadline)
		defer cancel()
	}

	dispatchErr := s.dispatchWithRetry(ctx, event, kind)
	if dispatchErr == nil {
		s.metrics.IncEvent(string(kind), "applied")
		return nil
	}

	// Capture, then ack. If the capture itself fails, release the guard so
	// the sender's redelivery gets a fresh attempt.
	if captureErr := s.capture(ctx, event, kind, dispatchErr); captureErr != nil {
		if delErr := s.guard.Delete(context.WithoutCancel(ctx), event.ID); delErr != nil && s.logg != nil {
			s.logg.Error(s.logg.WithEventID(ctx, event.ID), "failed to release idempotency mark", delErr)
		}
		return captureErr
	}
	s.metrics.IncEvent(string(kind), "dead_lettered")
	if s.logg != nil {
		s.logg.Error(s.logg.WithEventID(ctx, event.ID), "event parked in dead letter queue", dispatchErr)
	}
	return nil
}

func (s *Service) dispatchWithRetry(ctx context.Context, event *stripe.Event, kind enums.PaymentEventKind) error {
	attempts := s.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(retryBaseBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.dispatch(ctx, event, kind)
		if err == nil {
			return nil
		}
		if typed := pkgerrors.As(err); typed != nil && pkgerrors.MetadataFor(typed.Code()).Retryable {
			return retry.RetryableError(err)
		}
		return err
	})
}

// dispatch is the exhaustive event-kind switch. Adding a kind to the enum
// without handling it here fails at intake, not silently.
func (s *Service) dispatch(ctx context.Context, event *stripe.Event, kind enums.PaymentEventKind) error {
	switch kind {
	case enums.PaymentEventPaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, event)
	case enums.PaymentEventTransferPaid:
		return s.applyTransferOutcome(ctx, event, true)
	case enums.PaymentEventTransferFailed, enums.PaymentEventTransferCanceled:
		return s.applyTransferOutcome(ctx, event, false)
	case enums.PaymentEventDisputeOpened:
		return s.applyDisputeOpened(ctx, event)
	case enums.PaymentEventIgnored:
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unhandled event kind %q", kind))
	}
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
	}
	rawBookingID := intent.Metadata[MetadataBookingID]
	if rawBookingID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent has no booking id")
	}
	bookingID, err := uuid.Parse(rawBookingID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse booking id")
	}
	_, err = s.settlement.Settle(ctx, settlement.SettleInput{
		BookingID:       bookingID,
		StripePaymentID: intent.ID,
	})
	return err
}

func (s *Service) applyTransferOutcome(ctx context.Context, event *stripe.Event, succeeded bool) error {
	var transfer stripe.Transfer
	if err := json.Unmarshal(event.Data.Raw, &transfer); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode transfer")
	}
	input := payouts.ReconcileInput{
		TransferID: transfer.ID,
		Succeeded:  succeeded,
	}
	if raw := transfer.Metadata[payouts.MetadataWithdrawalID]; raw != "" {
		if withdrawalID, err := uuid.Parse(raw); err == nil {
			input.WithdrawalID = &withdrawalID
		}
	}
	return s.payouts.ReconcileTransfer(ctx, input)
}

func (s *Service) applyDisputeOpened(ctx context.Context, event *stripe.Event) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode dispute")
	}
	if dispute.PaymentIntent == nil || dispute.PaymentIntent.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "dispute has no payment intent")
	}
	return s.payouts.OpenDispute(ctx, dispute.PaymentIntent.ID)
}

func (s *Service) capture(ctx context.Context, event *stripe.Event, kind enums.PaymentEventKind, cause error) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode event payload")
	}
	failed := models.FailedEvent{
		ID:            uuid.New(),
		StripeEventID: event.ID,
		EventType:     string(event.Type),
		Payload:       payload,
		ErrorMessage:  cause.Error(),
		BookingID:     bestEffortBookingID(event, kind),
	}
	if err := s.dlqRepo.Create(context.WithoutCancel(ctx), &failed); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write dead letter entry")
	}
	return nil
}

func bestEffortBookingID(event *stripe.Event, kind enums.PaymentEventKind) *uuid.UUID {
	if kind != enums.PaymentEventPaymentSucceeded {
		return nil
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil
	}
	bookingID, err := uuid.Parse(intent.Metadata[MetadataBookingID])
	if err != nil {
		return nil
	}
	return &bookingID
}

// RetryFailed replays up to batchSize unresolved dead letter entries through
// the dispatcher, marking the ones that now apply as resolved. It returns
// how many were resolved this pass.
func (s *Service) RetryFailed(ctx context.Context, batchSize int) (int, error) {
	failed, err := s.dlqRepo.ListUnresolved(ctx, batchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters")
	}

	resolved := 0
	var errs []error
	for _, entry := range failed {
		var event stripe.Event
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			if updErr := s.dlqRepo.IncrementRetry(ctx, entry.ID, fmt.Sprintf("payload unreadable: %v", err)); updErr != nil {
				errs = append(errs, updErr)
			}
			continue
		}

		kind := enums.PaymentEventKindFromStripe(string(event.Type))
		if err := s.dispatch(ctx, &event, kind); err != nil {
			if updErr := s.dlqRepo.IncrementRetry(ctx, entry.ID, err.Error()); updErr != nil {
				errs = append(errs, updErr)
			}
			continue
		}

		if err := s.dlqRepo.MarkResolved(ctx, entry.ID, time.Now().UTC()); err != nil {
			errs = append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark dead letter resolved"))
			continue
		}
		resolved++
		if s.logg != nil {
			s.logg.Info(s.logg.WithEventID(ctx, entry.StripeEventID), "dead letter replayed successfully")
		}
	}

	if count, err := s.dlqRepo.CountUnresolved(ctx); err == nil {
		s.metrics.SetDLQDepth(count)
	}
	return resolved, multierr.Combine(errs...)
}

// ListFailed exposes unresolved dead letters for the operators' API.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]models.FailedEvent, error) {
	entries, err := s.dlqRepo.ListUnresolved(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters")
	}
	return entries, nil
}
