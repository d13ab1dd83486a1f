package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateTransaction = errors.New("payment with this transaction id already exists")
	ErrOrderExists          = errors.New("order already exists")
	ErrClosed               = errors.New("repository is closed")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	SSLMode           string
	MigrationsDirPath string
}

// OutboxEvent is written in the same transaction as the change it describes and
// published later by the outbox poller.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Topic       string
	Payload     json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// OrderStore is the persistence boundary of the reconciler.
type OrderStore interface {
	// InTx runs fn in a single transaction. Orders read through the OrderTx stay locked
	// until fn returns; a non-nil error from fn rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error

	// FindOrdersInState returns orders in state whose updated_at is before olderThan,
	// oldest first, without payments and without taking locks.
	FindOrdersInState(ctx context.Context, state domain.OrderState, olderThan time.Time, limit int) ([]domain.Order, error)

	// CreateOrder inserts a new order; an existing id yields ErrOrderExists.
	CreateOrder(ctx context.Context, order *domain.Order) error

	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error

	Close() error
}

// OrderTx is the transactional view of the store. Every Find* locks the returned order.
type OrderTx interface {
	FindOrder(ctx context.Context, id string) (*domain.Order, error)
	FindOrderByCode(ctx context.Context, code string) (*domain.Order, error)
	FindOrderByPaymentTransactionID(ctx context.Context, transactionID string) (*domain.Order, error)
	FindActiveOrderByCustomer(ctx context.Context, customerID string) (*domain.Order, error)

	// PaymentOwner returns the id of the order holding the transaction without
	// locking that order, or ErrOrderNotFound.
	PaymentOwner(ctx context.Context, transactionID string) (string, error)

	// SavePayment inserts or updates a payment by ID and stamps its timestamps.
	SavePayment(ctx context.Context, payment *domain.Payment) error
	// SaveOrder persists the order's state and active flag and stamps UpdatedAt.
	SaveOrder(ctx context.Context, order *domain.Order) error

	AddOutboxEvent(ctx context.Context, event *OutboxEvent) error
}
