package enums

import "fmt"

// PayoutStatus is the caller-facing outcome of a withdrawal request.
type PayoutStatus string

const (
	PayoutStatusPaidOut  PayoutStatus = "paid_out"
	PayoutStatusPending  PayoutStatus = "pending"
	PayoutStatusRejected PayoutStatus = "rejected"
)

var validPayoutStatuses = []PayoutStatus{
	PayoutStatusPaidOut,
	PayoutStatusPending,
	PayoutStatusRejected,
}

// String implements fmt.Stringer.
func (p PayoutStatus) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PayoutStatus.
func (p PayoutStatus) IsValid() bool {
	for _, candidate := range validPayoutStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePayoutStatus converts raw input into a PayoutStatus.
func ParsePayoutStatus(value string) (PayoutStatus, error) {
	for _, candidate := range validPayoutStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout status %q", value)
}
