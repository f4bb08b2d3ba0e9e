package enums

import "fmt"

// TransactionKind maps to the transaction_kind_enum enum in Postgres.
type TransactionKind string

const (
	TransactionKindPayment            TransactionKind = "payment"
	TransactionKindTutorEarning       TransactionKind = "tutor_earning"
	TransactionKindReferralCommission TransactionKind = "referral_commission"
	TransactionKindAgentCommission    TransactionKind = "agent_commission"
	TransactionKindPlatformFee        TransactionKind = "platform_fee"
	TransactionKindWithdrawal         TransactionKind = "withdrawal"
	TransactionKindReversal           TransactionKind = "reversal"
)

var validTransactionKinds = []TransactionKind{
	TransactionKindPayment,
	TransactionKindTutorEarning,
	TransactionKindReferralCommission,
	TransactionKindAgentCommission,
	TransactionKindPlatformFee,
	TransactionKindWithdrawal,
	TransactionKindReversal,
}

// String implements fmt.Stringer.
func (k TransactionKind) String() string {
	return string(k)
}

// IsValid reports whether the value matches the canonical transaction kind enum.
func (k TransactionKind) IsValid() bool {
	for _, candidate := range validTransactionKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseTransactionKind converts raw input into a TransactionKind.
func ParseTransactionKind(value string) (TransactionKind, error) {
	for _, candidate := range validTransactionKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid transaction kind %q", value)
}
