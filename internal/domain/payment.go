package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentState string

const (
	PaymentStateCreated    PaymentState = "Created"
	PaymentStateAuthorized PaymentState = "Authorized"
	PaymentStateSettled    PaymentState = "Settled"
	PaymentStateDeclined   PaymentState = "Declined"
)

func (s PaymentState) IsTerminal() bool {
	return s == PaymentStateSettled || s == PaymentStateDeclined
}

// IsSuccessful reports whether money has been authorized or captured.
func (s PaymentState) IsSuccessful() bool {
	return s == PaymentStateAuthorized || s == PaymentStateSettled
}

// Rank orders payment states by progress. Both terminal states share the top rank,
// so neither can be overwritten by the other.
func (s PaymentState) Rank() int {
	switch s {
	case PaymentStateCreated:
		return 1
	case PaymentStateAuthorized:
		return 2
	case PaymentStateSettled, PaymentStateDeclined:
		return 3
	default:
		return 0
	}
}

func (s PaymentState) Valid() bool {
	return s.Rank() > 0
}

func (s PaymentState) String() string {
	return string(s)
}

type Payment struct {
	ID                    string
	OrderID               string
	Method                string
	State                 PaymentState
	Amount                decimal.Decimal
	Currency              string
	ExternalTransactionID string
	ErrorMessage          string
	// SupersededBy is the transaction that replaced this attempt when the reconciler
	// declined it locally. Empty when the gateway itself reported the decline.
	SupersededBy string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsSuperseded reports whether the payment was declined by the reconciler rather
// than by the gateway.
func (p Payment) IsSuperseded() bool {
	return p.State == PaymentStateDeclined && p.SupersededBy != ""
}
