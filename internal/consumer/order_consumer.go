package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultTopic = "storefront-orders"

var errInvalidEvent = errors.New("invalid order event")

// OrderPlacedEvent is the storefront's snapshot of an order entering checkout.
type OrderPlacedEvent struct {
	OrderID     string            `json:"order_id"`
	Code        string            `json:"code"`
	CustomerID  string            `json:"customer_id"`
	ChannelID   string            `json:"channel_id"`
	State       domain.OrderState `json:"state"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	Currency    string            `json:"currency"`
	PlacedAt    time.Time         `json:"placed_at"`
}

type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	InTx(ctx context.Context, fn func(ctx context.Context, tx repository.OrderTx) error) error
}

// MessageReader is the consumer-group side of kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer copies storefront orders into the order store so webhooks can find them.
type Consumer struct {
	store      OrderStore
	reader     MessageReader
	retryDelay time.Duration
	log        *zap.Logger
}

func NewKafkaReader(topic, groupID string, brokers ...string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func NewConsumer(store OrderStore, reader MessageReader, log *zap.Logger) *Consumer {
	return &Consumer{store: store, reader: reader, retryDelay: 2 * time.Second, log: log}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.processMessage(ctx)
	}
}

func (c *Consumer) Close() {
	if err := c.reader.Close(); err != nil {
		c.log.Error("error closing kafka reader", zap.Error(err))
	}
}

// processMessage handles one message. Store failures are retried until they succeed
// or ctx ends, so an order is never committed past without being stored.
func (c *Consumer) processMessage(ctx context.Context) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.Error("error reading message", zap.Error(err))
		c.wait(ctx)
		return
	}
	log := c.log.With(zap.String("topic", m.Topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	for {
		err = c.handle(ctx, m.Value)
		if err == nil || errors.Is(err, errInvalidEvent) {
			break
		}
		log.Error("failed to store order, retrying", zap.Error(err))
		if !c.wait(ctx) {
			return
		}
	}
	if err != nil {
		log.Warn("skipping malformed order event", zap.Error(err))
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Error("failed to commit message", zap.Error(err))
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var event OrderPlacedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", errInvalidEvent, err)
	}
	order, err := event.toOrder()
	if err != nil {
		return err
	}

	if err := c.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOrderExists) {
			return c.advance(ctx, order)
		}
		return fmt.Errorf("create order %s: %w", order.ID, err)
	}

	c.log.Info("order imported",
		zap.String("order_id", order.ID),
		zap.String("code", order.Code),
		zap.Stringer("state", order.State))
	return nil
}

// advance applies a later snapshot of a known order. Only the checkout edge is taken
// from the storefront; payment states come from webhooks and cancellation from the
// scanner or an operator, so any other difference is left alone.
func (c *Consumer) advance(ctx context.Context, snapshot *domain.Order) error {
	var change *service.OrderStateChange
	err := c.store.InTx(ctx, func(ctx context.Context, tx repository.OrderTx) error {
		current, err := tx.FindOrder(ctx, snapshot.ID)
		if err != nil {
			return err
		}
		if current.State != domain.OrderStateAddingItems || snapshot.State != domain.OrderStateArrangingPayment {
			return nil
		}

		next, err := domain.Transition(*current, snapshot.State)
		if err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, &next); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		change = &service.OrderStateChange{
			OrderID:   next.ID,
			OrderCode: next.Code,
			From:      current.State,
			To:        next.State,
			Trigger:   service.TriggerStorefront,
			ChangedAt: next.UpdatedAt,
		}
		return service.RecordStateChange(ctx, tx, *change)
	})
	if err != nil {
		return fmt.Errorf("advance order %s: %w", snapshot.ID, err)
	}

	if change == nil {
		c.log.Info("order already known, snapshot does not advance it",
			zap.String("order_id", snapshot.ID),
			zap.Stringer("snapshot_state", snapshot.State))
		return nil
	}
	c.log.Info("order advanced from storefront snapshot",
		zap.String("order_id", change.OrderID),
		zap.Stringer("from", change.From),
		zap.Stringer("to", change.To))
	return nil
}

func (e OrderPlacedEvent) toOrder() (*domain.Order, error) {
	if e.OrderID == "" || e.Code == "" {
		return nil, fmt.Errorf("%w: order_id and code are required", errInvalidEvent)
	}
	state := e.State
	if state == "" {
		state = domain.OrderStateAddingItems
	}
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", errInvalidEvent, e.State)
	}

	return &domain.Order{
		ID:          e.OrderID,
		Code:        e.Code,
		State:       state,
		Active:      !state.IsTerminal(),
		CustomerID:  e.CustomerID,
		ChannelID:   e.ChannelID,
		TotalAmount: e.TotalAmount,
		Currency:    strings.ToUpper(strings.TrimSpace(e.Currency)),
		CreatedAt:   e.PlacedAt.UTC(),
	}, nil
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-time.After(c.retryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}
