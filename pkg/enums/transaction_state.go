package enums

import "fmt"

// TransactionState maps to the transaction_state_enum enum in Postgres.
//
// held      — inside the protection window, not withdrawable yet
// available — withdrawable
// pending   — withdrawal submitted to the transfer rail, outcome unknown
// paid_out  — money left the platform
// disputed  — frozen by a chargeback, manual resolution required
// failed    — withdrawal terminally failed; compensated by a reversal row
// reversed  — reserved for rows that exist only to compensate a failure
type TransactionState string

const (
	TransactionStateHeld      TransactionState = "held"
	TransactionStateAvailable TransactionState = "available"
	TransactionStatePending   TransactionState = "pending"
	TransactionStatePaidOut   TransactionState = "paid_out"
	TransactionStateDisputed  TransactionState = "disputed"
	TransactionStateFailed    TransactionState = "failed"
	TransactionStateReversed  TransactionState = "reversed"
)

var validTransactionStates = []TransactionState{
	TransactionStateHeld,
	TransactionStateAvailable,
	TransactionStatePending,
	TransactionStatePaidOut,
	TransactionStateDisputed,
	TransactionStateFailed,
	TransactionStateReversed,
}

// String implements fmt.Stringer.
func (s TransactionState) String() string {
	return string(s)
}

// IsValid reports whether the value matches the canonical transaction state enum.
func (s TransactionState) IsValid() bool {
	for _, candidate := range validTransactionStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no further transitions.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case TransactionStatePaidOut, TransactionStateFailed, TransactionStateReversed:
		return true
	}
	return false
}

// ParseTransactionState converts raw input into a TransactionState.
func ParseTransactionState(value string) (TransactionState, error) {
	for _, candidate := range validTransactionStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction state %q", value)
}
