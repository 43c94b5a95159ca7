package models

import (
	"github.com/shopspring/decimal"
)

const (
	TransactionStatusSuccess = "success"
	TransactionStatusFailed  = "failed"
)

const OperationCompletion = "completion"

// Transaction is the usage record reported to the credit ledger after a
// billable operation reaches a terminal state.
type Transaction struct {
	Operation string
	Status    string
	Amount    decimal.Decimal
	FlowID    string
	SessionID string
	Detail    string
}
