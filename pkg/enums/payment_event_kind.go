package enums

import "fmt"

// PaymentEventKind is the internal tagged union of processor events the
// intake dispatcher understands. Raw Stripe event types are mapped onto it
// once at the boundary so dispatch stays an exhaustive switch.
type PaymentEventKind string

const (
	PaymentEventPaymentSucceeded PaymentEventKind = "payment_succeeded"
	PaymentEventTransferPaid     PaymentEventKind = "transfer_paid"
	PaymentEventTransferFailed   PaymentEventKind = "transfer_failed"
	PaymentEventTransferCanceled PaymentEventKind = "transfer_canceled"
	PaymentEventDisputeOpened    PaymentEventKind = "dispute_opened"
	PaymentEventIgnored          PaymentEventKind = "ignored"
)

var stripeTypeToEventKind = map[string]PaymentEventKind{
	"payment_intent.succeeded": PaymentEventPaymentSucceeded,
	"transfer.paid":            PaymentEventTransferPaid,
	"transfer.failed":          PaymentEventTransferFailed,
	"transfer.canceled":        PaymentEventTransferCanceled,
	"charge.dispute.created":   PaymentEventDisputeOpened,
}

// PaymentEventKindFromStripe maps a raw Stripe event type onto the internal
// kind. Unknown types map to PaymentEventIgnored, which the dispatcher acks
// without side effects.
func PaymentEventKindFromStripe(stripeType string) PaymentEventKind {
	if kind, ok := stripeTypeToEventKind[stripeType]; ok {
		return kind
	}
	return PaymentEventIgnored
}

// String implements fmt.Stringer.
func (k PaymentEventKind) String() string {
	return string(k)
}

// IsValid reports whether the value is a known PaymentEventKind.
func (k PaymentEventKind) IsValid() bool {
	switch k {
	case PaymentEventPaymentSucceeded,
		PaymentEventTransferPaid,
		PaymentEventTransferFailed,
		PaymentEventTransferCanceled,
		PaymentEventDisputeOpened,
		PaymentEventIgnored:
		return true
	}
	return false
}

// ParsePaymentEventKind converts raw input into a PaymentEventKind.
func ParsePaymentEventKind(value string) (PaymentEventKind, error) {
	kind := PaymentEventKind(value)
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid payment event kind %q", value)
	}
	return kind, nil
}
