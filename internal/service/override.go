package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	CapabilityCancelOrders = "orders:cancel"
	CapabilityScanOrders   = "orders:scan"
)

var (
	ErrForbidden         = errors.New("missing required capability")
	ErrMissingCustomerID = errors.New("customer id is required")
)

// Principal is an authenticated operator.
type Principal struct {
	Subject      string
	Capabilities []string
}

func (p Principal) Has(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}

type CancelResult struct {
	Success       bool              `json:"success"`
	OrderID       string            `json:"order_id,omitempty"`
	PreviousState domain.OrderState `json:"previous_state,omitempty"`
	State         domain.OrderState `json:"state,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

type Override struct {
	store repository.OrderStore
	log   *zap.Logger
	now   func() time.Time
}

func NewOverride(store repository.OrderStore, log *zap.Logger) *Override {
	return &Override{store: store, log: log, now: time.Now}
}

// CancelActiveOrder cancels the customer's active order. A customer without an active
// order is a trivial success; an order the state machine refuses to cancel is reported
// with Success false and a reason.
func (o *Override) CancelActiveOrder(ctx context.Context, principal Principal, customerID string) (CancelResult, error) {
	if !principal.Has(CapabilityCancelOrders) {
		return CancelResult{}, fmt.Errorf("%w: %s", ErrForbidden, CapabilityCancelOrders)
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return CancelResult{}, ErrMissingCustomerID
	}
	log := logger.FromContext(ctx, o.log).With(
		zap.String("operator", principal.Subject),
		zap.String("customer_id", customerID),
	)

	var result CancelResult
	err := o.store.InTx(ctx, func(ctx context.Context, tx repository.OrderTx) error {
		order, err := tx.FindActiveOrderByCustomer(ctx, customerID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			result = CancelResult{Success: true, Reason: "customer has no active order"}
			return nil
		}
		if err != nil {
			return err
		}

		result = CancelResult{OrderID: order.ID, PreviousState: order.State, State: order.State}
		next, err := domain.Transition(*order, domain.OrderStateCancelled)
		if err != nil {
			result.Reason = err.Error()
			return nil
		}

		if err := tx.SaveOrder(ctx, &next); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		if err := RecordStateChange(ctx, tx, OrderStateChange{
			OrderID:   order.ID,
			OrderCode: order.Code,
			From:      order.State,
			To:        next.State,
			Trigger:   TriggerAdmin,
			Actor:     principal.Subject,
			ChangedAt: o.now().UTC(),
		}); err != nil {
			return err
		}
		result.Success = true
		result.State = next.State
		return nil
	})
	if err != nil {
		log.Error("failed to cancel active order", zap.Error(err))
		return CancelResult{}, fmt.Errorf("cancel active order: %w", err)
	}

	if !result.Success {
		log.Warn("administrative cancel rejected",
			zap.String("order_id", result.OrderID),
			zap.String("reason", result.Reason))
	} else {
		log.Info("administrative cancel processed",
			zap.String("order_id", result.OrderID),
			zap.Stringer("previous_state", result.PreviousState))
	}
	return result, nil
}
