package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is owned by the surrounding storefront. This service only reads it and
// drives its payment-related state.
type Order struct {
	ID          string
	Code        string
	State       OrderState
	Active      bool
	CustomerID  string
	ChannelID   string
	TotalAmount decimal.Decimal
	Currency    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Payments    []Payment
}

// PaymentByTransactionID returns the index of the payment carrying the gateway
// transaction id, or -1.
func (o *Order) PaymentByTransactionID(transactionID string) int {
	if transactionID == "" {
		return -1
	}
	for i := range o.Payments {
		if o.Payments[i].ExternalTransactionID == transactionID {
			return i
		}
	}
	return -1
}

func (o *Order) HasSuccessfulPayment() bool {
	for _, p := range o.Payments {
		if p.State.IsSuccessful() {
			return true
		}
	}
	return false
}

// OpenPayments returns the indexes of payments still in Created or Authorized.
func (o *Order) OpenPayments() []int {
	var open []int
	for i, p := range o.Payments {
		if !p.State.IsTerminal() {
			open = append(open, i)
		}
	}
	return open
}

// Clone returns a copy of the order that shares no payment storage with o.
func (o Order) Clone() Order {
	if o.Payments != nil {
		payments := make([]Payment, len(o.Payments))
		copy(payments, o.Payments)
		o.Payments = payments
	}
	return o
}
