package models

import "time"

type Transaction struct {
	ID               string           `json:"id"`
	CorrelationToken string           `json:"correlation_token"`
	Kind             TransactionKind  `json:"kind"`
	Amount           int64            `json:"amount"`
	ConfirmedAmount  *int64           `json:"confirmed_amount,omitempty"`
	State            TransactionState `json:"state"`
	ProviderRef      string           `json:"provider_reference,omitempty"`
	ResultDetail     string           `json:"result_detail,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

type TransactionKind string

const (
	KindDeposit         TransactionKind = "deposit"
	KindWithdrawal      TransactionKind = "withdrawal"
	KindRegistrationFee TransactionKind = "registration_fee"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindRegistrationFee:
		return true
	}
	return false
}

// UnauthenticatedPollable reports whether a transaction of this kind may be
// polled without a session, e.g. a registration fee checked before the payer
// has an account.
func (k TransactionKind) UnauthenticatedPollable() bool {
	return k == KindRegistrationFee
}

type TransactionState string

const (
	StatePending   TransactionState = "pending"
	StateCompleted TransactionState = "completed"
	StateFailed    TransactionState = "failed"
)

func (s TransactionState) Valid() bool {
	switch s {
	case StatePending, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition out of s is legal.
func (s TransactionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
