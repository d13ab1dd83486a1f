package domain

import (
	"errors"
	"fmt"
)

type OrderState string

const (
	OrderStateAddingItems       OrderState = "AddingItems"
	OrderStateArrangingPayment  OrderState = "ArrangingPayment"
	OrderStatePaymentAuthorized OrderState = "PaymentAuthorized"
	OrderStatePaymentSettled    OrderState = "PaymentSettled"
	OrderStateCancelled         OrderState = "Cancelled"
)

// IsTerminal reports whether no further transition is legal from s.
func (s OrderState) IsTerminal() bool {
	return s == OrderStatePaymentSettled || s == OrderStateCancelled
}

func (s OrderState) Valid() bool {
	switch s {
	case OrderStateAddingItems, OrderStateArrangingPayment, OrderStatePaymentAuthorized,
		OrderStatePaymentSettled, OrderStateCancelled:
		return true
	}
	return false
}

// String representation (for logging)
func (s OrderState) String() string {
	return string(s)
}

// orderTransitions is the complete set of legal edges. Terminal states have no entry.
var orderTransitions = map[OrderState][]OrderState{
	OrderStateAddingItems: {
		OrderStateArrangingPayment,
	},
	OrderStateArrangingPayment: {
		OrderStateAddingItems,
		OrderStateCancelled,
		OrderStatePaymentAuthorized,
	},
	OrderStatePaymentAuthorized: {
		OrderStatePaymentSettled,
		OrderStateCancelled,
	},
}

var ErrIllegalTransition = errors.New("illegal order state transition")

// IllegalTransitionError is returned when (From, To) is not in the transition table.
type IllegalTransitionError struct {
	From OrderState
	To   OrderState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

func CanTransitionTo(from, to OrderState) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates the move of order to the target state and returns the
// resulting order. The input order is never modified.
func Transition(order Order, to OrderState) (Order, error) {
	if !CanTransitionTo(order.State, to) {
		return order, &IllegalTransitionError{From: order.State, To: to}
	}

	next := order.Clone()
	next.State = to
	next.Active = !to.IsTerminal()
	return next, nil
}
