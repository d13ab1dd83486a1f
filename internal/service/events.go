package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
)

const (
	EventOrderStateChanged  = "OrderStateChanged"
	EventIntegrityViolation = "IntegrityViolation"
	EventUnparsedWebhook    = "UnparsedWebhook"

	TopicOrderEvents      = "order-events"
	TopicPaymentIntegrity = "payment-integrity"
)

// Trigger names what caused an order state change.
type Trigger string

const (
	TriggerWebhook    Trigger = "webhook"
	TriggerScanner    Trigger = "scanner"
	TriggerAdmin      Trigger = "admin"
	TriggerStorefront Trigger = "storefront"
)

// Integrity report kinds.
const (
	ReportIllegalTransition          = "illegal_transition"
	ReportAmountMismatch             = "amount_mismatch"
	ReportCurrencyMismatch           = "currency_mismatch"
	ReportAuthorizationReplaced      = "authorized_payment_superseded"
	ReportSupersededPaymentSucceeded = "superseded_payment_succeeded"
	ReportOrderNotFound              = "order_not_found"
	ReportTransactionOnOtherOrder    = "transaction_on_other_order"
)

type OrderStateChange struct {
	OrderID       string            `json:"order_id"`
	OrderCode     string            `json:"order_code"`
	From          domain.OrderState `json:"from"`
	To            domain.OrderState `json:"to"`
	Trigger       Trigger           `json:"trigger"`
	Actor         string            `json:"actor,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	ChangedAt     time.Time         `json:"changed_at"`
}

// IntegrityReport is published on the operator-facing channel whenever stored state
// and gateway reports disagree.
type IntegrityReport struct {
	Kind          string            `json:"kind"`
	OrderID       string            `json:"order_id,omitempty"`
	OrderCode     string            `json:"order_code,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	From          domain.OrderState `json:"from,omitempty"`
	To            domain.OrderState `json:"to,omitempty"`
	Detail        string            `json:"detail"`
	DetectedAt    time.Time         `json:"detected_at"`
}

type UnparsedDelivery struct {
	EventID     string `json:"event_id,omitempty"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	// Raw is base64 encoded by encoding/json.
	Raw        []byte    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`
}

func addEvent(ctx context.Context, tx repository.OrderTx, aggregateID, eventType, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return tx.AddOutboxEvent(ctx, &repository.OutboxEvent{
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       topic,
		Payload:     body,
	})
}

// RecordStateChange queues an OrderStateChanged event in the same transaction as the change.
func RecordStateChange(ctx context.Context, tx repository.OrderTx, change OrderStateChange) error {
	return addEvent(ctx, tx, change.OrderID, EventOrderStateChanged, TopicOrderEvents, change)
}

func recordIntegrity(ctx context.Context, tx repository.OrderTx, report IntegrityReport) error {
	aggregate := report.OrderID
	if aggregate == "" {
		aggregate = report.TransactionID
	}
	return addEvent(ctx, tx, aggregate, EventIntegrityViolation, TopicPaymentIntegrity, report)
}
