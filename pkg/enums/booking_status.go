package enums

import "fmt"

// BookingStatus tracks the payment lifecycle of a booking.
type BookingStatus string

const (
	BookingStatusUnpaid BookingStatus = "unpaid"
	BookingStatusPaid   BookingStatus = "paid"
)

var validBookingStatuses = []BookingStatus{
	BookingStatusUnpaid,
	BookingStatusPaid,
}

// String implements fmt.Stringer.
func (b BookingStatus) String() string {
	return string(b)
}

// IsValid reports whether the value is a known BookingStatus.
func (b BookingStatus) IsValid() bool {
	for _, candidate := range validBookingStatuses {
		if candidate == b {
			return true
		}
	}
	return false
}

// ParseBookingStatus converts raw input into a BookingStatus.
func ParseBookingStatus(value string) (BookingStatus, error) {
	for _, candidate := range validBookingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid booking status %q", value)
}
