package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/internal/webhook"
	"github.com/fjod/go_cart/reconciler-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Outcome string

const (
	OutcomeApplied           Outcome = "Applied"
	OutcomeAlreadyApplied    Outcome = "AlreadyApplied"
	OutcomeOrderNotFound     Outcome = "OrderNotFound"
	OutcomeIllegalTransition Outcome = "IllegalTransition"
	OutcomeUnparsed          Outcome = "Unparsed"
	OutcomeIgnored           Outcome = "Ignored"
)

// ReconcileResult describes what applying one webhook event did. Every business
// outcome is reported here; only store failures are returned as errors.
type ReconcileResult struct {
	Outcome       Outcome             `json:"outcome"`
	OrderID       string              `json:"order_id,omitempty"`
	PaymentID     string              `json:"payment_id,omitempty"`
	PaymentState  domain.PaymentState `json:"payment_state,omitempty"`
	PreviousState domain.OrderState   `json:"previous_state,omitempty"`
	OrderState    domain.OrderState   `json:"order_state,omitempty"`
	Reports       []string            `json:"reports,omitempty"`
	Reason        string              `json:"reason,omitempty"`
}

type Reconciler struct {
	store    repository.OrderStore
	log      *zap.Logger
	now      func() time.Time
	inflight singleflight.Group // coalesces concurrent redeliveries of one event
}

func NewReconciler(store repository.OrderStore, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, log: log, now: time.Now}
}

// Apply applies a verified webhook event to the referenced order inside one
// transaction that holds the order's lock. Identical events arriving concurrently
// share a single transaction and its result.
func (r *Reconciler) Apply(ctx context.Context, event webhook.Event) (ReconcileResult, error) {
	if event.Format == webhook.FormatUnparsed || event.TransactionID == "" {
		return r.apply(ctx, event)
	}

	key := strings.Join([]string{event.OrderID, event.OrderCode, event.TransactionID, string(event.State)}, "|")
	v, err, shared := r.inflight.Do(key, func() (interface{}, error) {
		return r.apply(ctx, event)
	})
	if shared {
		logger.FromContext(ctx, r.log).Debug("webhook delivery coalesced with an in-flight duplicate",
			zap.String("transaction_id", event.TransactionID))
	}
	if err != nil {
		return ReconcileResult{}, err
	}
	return v.(ReconcileResult), nil
}

func (r *Reconciler) apply(ctx context.Context, event webhook.Event) (ReconcileResult, error) {
	log := logger.FromContext(ctx, r.log).With(
		zap.String("event_id", event.EventID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("format", event.Format.String()),
	)

	if event.Format == webhook.FormatUnparsed {
		return r.recordUnparsed(ctx, log, event)
	}
	if event.TransactionID == "" || !event.State.Valid() {
		log.Warn("ignoring webhook without transaction id or recognizable payment state",
			zap.String("gateway_state", event.GatewayState),
			zap.String("type", event.Type))
		return ReconcileResult{Outcome: OutcomeIgnored, Reason: "missing transaction id or payment state"}, nil
	}

	var result ReconcileResult
	err := r.store.InTx(ctx, func(ctx context.Context, tx repository.OrderTx) error {
		order, err := r.findOrder(ctx, tx, event)
		if errors.Is(err, repository.ErrOrderNotFound) {
			result = ReconcileResult{Outcome: OutcomeOrderNotFound, Reason: "no order matches the event references"}
			return recordIntegrity(ctx, tx, IntegrityReport{
				Kind:          ReportOrderNotFound,
				OrderCode:     event.OrderCode,
				OrderID:       event.OrderID,
				TransactionID: event.TransactionID,
				Detail:        "webhook references an unknown order or transaction",
				DetectedAt:    r.now().UTC(),
			})
		}
		if err != nil {
			return err
		}

		result, err = r.applyToOrder(ctx, tx, log, order, event)
		return err
	})
	if err != nil {
		log.Error("failed to reconcile webhook", zap.Error(err))
		return ReconcileResult{}, fmt.Errorf("reconcile webhook: %w", err)
	}

	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.String("order_id", result.OrderID),
		zap.Stringer("payment_state", event.State),
		zap.Stringer("order_state", result.OrderState),
	}
	switch result.Outcome {
	case OutcomeOrderNotFound:
		log.Warn("webhook references unknown order",
			zap.String("order_id", event.OrderID), zap.String("order_code", event.OrderCode))
	case OutcomeIllegalTransition:
		log.Warn("webhook could not move order", append(fields, zap.String("reason", result.Reason))...)
	default:
		log.Info("webhook reconciled", fields...)
	}
	return result, nil
}

func (r *Reconciler) findOrder(ctx context.Context, tx repository.OrderTx, event webhook.Event) (*domain.Order, error) {
	if event.OrderID != "" {
		order, err := tx.FindOrder(ctx, event.OrderID)
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return order, err
		}
	}
	if event.OrderCode != "" {
		order, err := tx.FindOrderByCode(ctx, event.OrderCode)
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return order, err
		}
	}
	return tx.FindOrderByPaymentTransactionID(ctx, event.TransactionID)
}

func (r *Reconciler) applyToOrder(ctx context.Context, tx repository.OrderTx, log *zap.Logger, order *domain.Order, event webhook.Event) (ReconcileResult, error) {
	now := r.now().UTC()
	result := ReconcileResult{
		OrderID:       order.ID,
		PaymentState:  event.State,
		PreviousState: order.State,
		OrderState:    order.State,
	}

	var reports []IntegrityReport
	idx := order.PaymentByTransactionID(event.TransactionID)
	if idx >= 0 {
		current := order.Payments[idx]
		result.PaymentID = current.ID
		// a locally superseded attempt that the gateway reports successful is revived
		revived := current.IsSuperseded() && event.State.IsSuccessful()
		if !revived && (current.State.IsTerminal() || event.State.Rank() <= current.State.Rank()) {
			result.Outcome = OutcomeAlreadyApplied
			result.PaymentState = current.State
			return result, nil
		}
		if revived {
			detail := fmt.Sprintf("gateway reported %s for a transaction superseded by %s; payment reinstated", event.State, current.SupersededBy)
			reports = append(reports, IntegrityReport{
				Kind:          ReportSupersededPaymentSucceeded,
				OrderID:       order.ID,
				OrderCode:     order.Code,
				TransactionID: event.TransactionID,
				Detail:        detail,
				DetectedAt:    now,
			})
		}
	} else {
		ownerID, err := tx.PaymentOwner(ctx, event.TransactionID)
		switch {
		case err == nil && ownerID != order.ID:
			result.Outcome = OutcomeIgnored
			result.Reason = "transaction belongs to order " + ownerID
			result.Reports = append(result.Reports, ReportTransactionOnOtherOrder)
			return result, recordIntegrity(ctx, tx, IntegrityReport{
				Kind:          ReportTransactionOnOtherOrder,
				OrderID:       order.ID,
				OrderCode:     order.Code,
				TransactionID: event.TransactionID,
				Detail:        fmt.Sprintf("transaction already recorded on order %s", ownerID),
				DetectedAt:    now,
			})
		case err != nil && !errors.Is(err, repository.ErrOrderNotFound):
			return result, err
		}
	}

	payment := r.paymentFromEvent(order, idx, event)
	if err := tx.SavePayment(ctx, &payment); err != nil {
		return result, fmt.Errorf("save payment: %w", err)
	}
	result.PaymentID = payment.ID

	if event.State != domain.PaymentStateDeclined {
		superseded, err := r.supersedeOpenPayments(ctx, tx, order, payment, now)
		if err != nil {
			return result, err
		}
		reports = append(reports, superseded...)
	}
	if event.State.IsSuccessful() {
		reports = append(reports, r.checkAmounts(order, event, now)...)
	}

	next, transitionErr := advance(*order, event.State)
	var illegal *domain.IllegalTransitionError
	switch {
	case errors.As(transitionErr, &illegal):
		result.Outcome = OutcomeIllegalTransition
		result.Reason = illegal.Error()
		reports = append(reports, IntegrityReport{
			Kind:          ReportIllegalTransition,
			OrderID:       order.ID,
			OrderCode:     order.Code,
			TransactionID: event.TransactionID,
			From:          illegal.From,
			To:            illegal.To,
			Detail:        fmt.Sprintf("payment %s reported %s but order is %s", payment.ID, event.State, order.State),
			DetectedAt:    now,
		})
	case transitionErr != nil:
		return result, transitionErr
	default:
		result.Outcome = OutcomeApplied
		if next.State != order.State {
			if err := tx.SaveOrder(ctx, &next); err != nil {
				return result, fmt.Errorf("save order: %w", err)
			}
			if err := RecordStateChange(ctx, tx, OrderStateChange{
				OrderID:       order.ID,
				OrderCode:     order.Code,
				From:          order.State,
				To:            next.State,
				Trigger:       TriggerWebhook,
				TransactionID: event.TransactionID,
				ChangedAt:     now,
			}); err != nil {
				return result, err
			}
			result.OrderState = next.State
		}
	}

	for _, report := range reports {
		log.Warn("payment integrity discrepancy",
			zap.String("kind", report.Kind),
			zap.String("order_id", report.OrderID),
			zap.String("detail", report.Detail))
		if err := recordIntegrity(ctx, tx, report); err != nil {
			return result, err
		}
		result.Reports = append(result.Reports, report.Kind)
	}
	return result, nil
}

func (r *Reconciler) paymentFromEvent(order *domain.Order, idx int, event webhook.Event) domain.Payment {
	var payment domain.Payment
	if idx >= 0 {
		payment = order.Payments[idx]
	} else {
		payment = domain.Payment{
			ID:                    uuid.NewString(),
			OrderID:               order.ID,
			ExternalTransactionID: event.TransactionID,
			Currency:              order.Currency,
		}
	}

	payment.State = event.State
	payment.SupersededBy = ""
	payment.ErrorMessage = ""
	if event.Method != "" {
		payment.Method = event.Method
	}
	if !event.Amount.IsZero() {
		payment.Amount = event.Amount
	}
	if event.Currency != "" {
		payment.Currency = event.Currency
	}
	if event.State == domain.PaymentStateDeclined {
		payment.ErrorMessage = event.ErrorMessage
		if payment.ErrorMessage == "" {
			payment.ErrorMessage = "declined by gateway"
		}
	}
	return payment
}

// supersedeOpenPayments declines every other Created or Authorized payment, keeping
// at most one open attempt per order.
func (r *Reconciler) supersedeOpenPayments(ctx context.Context, tx repository.OrderTx, order *domain.Order, current domain.Payment, now time.Time) ([]IntegrityReport, error) {
	var reports []IntegrityReport
	for _, i := range order.OpenPayments() {
		stale := order.Payments[i]
		if stale.ID == current.ID {
			continue
		}
		wasAuthorized := stale.State == domain.PaymentStateAuthorized

		stale.State = domain.PaymentStateDeclined
		stale.ErrorMessage = "superseded by transaction " + current.ExternalTransactionID
		stale.SupersededBy = current.ExternalTransactionID
		if err := tx.SavePayment(ctx, &stale); err != nil {
			return nil, fmt.Errorf("decline superseded payment: %w", err)
		}

		if wasAuthorized {
			reports = append(reports, IntegrityReport{
				Kind:          ReportAuthorizationReplaced,
				OrderID:       order.ID,
				OrderCode:     order.Code,
				TransactionID: stale.ExternalTransactionID,
				Detail:        "authorized payment replaced by transaction " + current.ExternalTransactionID + "; authorization may need voiding",
				DetectedAt:    now,
			})
		}
	}
	return reports, nil
}

func (r *Reconciler) checkAmounts(order *domain.Order, event webhook.Event, now time.Time) []IntegrityReport {
	var reports []IntegrityReport
	if !event.Amount.IsZero() && !order.TotalAmount.IsZero() && !event.Amount.Equal(order.TotalAmount) {
		reports = append(reports, IntegrityReport{
			Kind:          ReportAmountMismatch,
			OrderID:       order.ID,
			OrderCode:     order.Code,
			TransactionID: event.TransactionID,
			Detail:        fmt.Sprintf("gateway reported %s, order total is %s", event.Amount, order.TotalAmount),
			DetectedAt:    now,
		})
	}
	if event.Currency != "" && order.Currency != "" && !strings.EqualFold(event.Currency, order.Currency) {
		reports = append(reports, IntegrityReport{
			Kind:          ReportCurrencyMismatch,
			OrderID:       order.ID,
			OrderCode:     order.Code,
			TransactionID: event.TransactionID,
			Detail:        fmt.Sprintf("gateway reported %s, order currency is %s", event.Currency, order.Currency),
			DetectedAt:    now,
		})
	}
	return reports
}

func (r *Reconciler) recordUnparsed(ctx context.Context, log *zap.Logger, event webhook.Event) (ReconcileResult, error) {
	delivery := UnparsedDelivery{
		EventID:     event.EventID,
		ContentType: event.ContentType,
		Size:        len(event.Raw),
		Raw:         event.Raw,
		ReceivedAt:  r.now().UTC(),
	}
	err := r.store.InTx(ctx, func(ctx context.Context, tx repository.OrderTx) error {
		return addEvent(ctx, tx, "unparsed", EventUnparsedWebhook, TopicPaymentIntegrity, delivery)
	})
	if err != nil {
		log.Error("failed to record unparsed webhook", zap.Error(err))
		return ReconcileResult{}, fmt.Errorf("record unparsed webhook: %w", err)
	}

	log.Warn("verified webhook could not be parsed",
		zap.String("content_type", event.ContentType),
		zap.Int("size", len(event.Raw)))
	return ReconcileResult{Outcome: OutcomeUnparsed, Reason: "payload preserved for manual inspection"}, nil
}

// advance returns the order moved to the state implied by a payment state, or the
// order unchanged when the payment state does not move orders. The whole path is
// applied or none of it.
func advance(order domain.Order, state domain.PaymentState) (domain.Order, error) {
	next := order
	for _, to := range pathTowards(order.State, state) {
		if next.State == to {
			continue
		}
		moved, err := domain.Transition(next, to)
		if err != nil {
			return order, err
		}
		next = moved
	}
	return next, nil
}

// pathTowards lists the order states a successful payment walks through. An order the
// scanner already handed back to the customer re-enters checkout first, so a late
// success is never lost.
func pathTowards(current domain.OrderState, state domain.PaymentState) []domain.OrderState {
	var path []domain.OrderState
	if current == domain.OrderStateAddingItems && state.IsSuccessful() {
		path = append(path, domain.OrderStateArrangingPayment)
	}
	switch state {
	case domain.PaymentStateAuthorized:
		path = append(path, domain.OrderStatePaymentAuthorized)
	case domain.PaymentStateSettled:
		if current != domain.OrderStatePaymentAuthorized {
			path = append(path, domain.OrderStatePaymentAuthorized)
		}
		path = append(path, domain.OrderStatePaymentSettled)
	}
	return path
}
