package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository implements OrderStore in process memory. A transaction holds the
// store mutex from begin to commit, so transactions are fully serialized.
type MemoryRepository struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	outbox   []OutboxEvent
	nextID   int64
	now      func() time.Time
	closed   bool
}

// NewMemoryRepository returns an empty store. now stamps updated_at; nil means time.Now.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		now:      now,
	}
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		repo:     r,
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, o := range tx.orders {
		r.orders[id] = o
	}
	for id, p := range tx.payments {
		r.payments[id] = p
	}
	for _, e := range tx.outbox {
		r.nextID++
		e.ID = r.nextID
		r.outbox = append(r.outbox, e)
	}
	return nil
}

func (r *MemoryRepository) FindOrdersInState(ctx context.Context, state domain.OrderState, olderThan time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var orders []domain.Order
	for _, o := range r.orders {
		if o.State == state && o.UpdatedAt.Before(olderThan) {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].UpdatedAt.Equal(orders[j].UpdatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].UpdatedAt.Before(orders[j].UpdatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// CreateOrder stores the order and its payments. Zero timestamps are stamped with the
// clock; non-zero ones are kept so callers can seed aged orders.
func (r *MemoryRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if _, exists := r.orders[order.ID]; exists {
		return ErrOrderExists
	}
	now := r.now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}

	for i := range order.Payments {
		p := &order.Payments[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.OrderID = order.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		r.payments[p.ID] = *p
	}

	stored := order.Clone()
	stored.Payments = nil
	r.orders[order.ID] = stored
	return nil
}

func (r *MemoryRepository) GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	var events []*OutboxEvent
	for i := range r.outbox {
		if r.outbox[i].ProcessedAt != nil {
			continue
		}
		e := r.outbox[i]
		events = append(events, &e)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (r *MemoryRepository) MarkEventAsProcessed(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	for i := range r.outbox {
		if r.outbox[i].ID == id {
			now := r.now().UTC()
			r.outbox[i].ProcessedAt = &now
			return nil
		}
	}
	return nil
}

// Events returns a copy of every outbox event written so far.
func (r *MemoryRepository) Events() []OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]OutboxEvent, len(r.outbox))
	copy(events, r.outbox)
	return events
}

// Order returns the committed order with its payments.
func (r *MemoryRepository) Order(id string) (domain.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	o.Payments = sortedPayments(r.payments, nil, id)
	return o, true
}

func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// memoryTx stages writes until the surrounding InTx commits.
type memoryTx struct {
	repo     *MemoryRepository
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	outbox   []OutboxEvent
}

func (t *memoryTx) order(id string) (domain.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.repo.orders[id]
	return o, ok
}

func (t *memoryTx) withPayments(o domain.Order) *domain.Order {
	o.Payments = sortedPayments(t.repo.payments, t.payments, o.ID)
	return &o
}

func (t *memoryTx) eachOrder(match func(domain.Order) bool) []domain.Order {
	var found []domain.Order
	seen := make(map[string]bool)
	for id := range t.orders {
		seen[id] = true
		if o, _ := t.order(id); match(o) {
			found = append(found, o)
		}
	}
	for id, o := range t.repo.orders {
		if !seen[id] && match(o) {
			found = append(found, o)
		}
	}
	return found
}

func (t *memoryTx) FindOrder(_ context.Context, id string) (*domain.Order, error) {
	o, ok := t.order(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return t.withPayments(o), nil
}

func (t *memoryTx) FindOrderByCode(_ context.Context, code string) (*domain.Order, error) {
	found := t.eachOrder(func(o domain.Order) bool { return o.Code == code })
	if len(found) == 0 {
		return nil, ErrOrderNotFound
	}
	return t.withPayments(found[0]), nil
}

func (t *memoryTx) FindOrderByPaymentTransactionID(_ context.Context, transactionID string) (*domain.Order, error) {
	if transactionID == "" {
		return nil, ErrOrderNotFound
	}
	for _, p := range mergedPayments(t.repo.payments, t.payments) {
		if p.ExternalTransactionID == transactionID {
			if o, ok := t.order(p.OrderID); ok {
				return t.withPayments(o), nil
			}
		}
	}
	return nil, ErrOrderNotFound
}

func (t *memoryTx) PaymentOwner(_ context.Context, transactionID string) (string, error) {
	if transactionID == "" {
		return "", ErrOrderNotFound
	}
	for _, p := range mergedPayments(t.repo.payments, t.payments) {
		if p.ExternalTransactionID == transactionID {
			return p.OrderID, nil
		}
	}
	return "", ErrOrderNotFound
}

func (t *memoryTx) FindActiveOrderByCustomer(_ context.Context, customerID string) (*domain.Order, error) {
	found := t.eachOrder(func(o domain.Order) bool { return o.CustomerID == customerID && o.Active })
	if len(found) == 0 {
		return nil, ErrOrderNotFound
	}
	sort.Slice(found, func(i, j int) bool { return found[i].UpdatedAt.After(found[j].UpdatedAt) })
	return t.withPayments(found[0]), nil
}

func (t *memoryTx) SavePayment(_ context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.ExternalTransactionID != "" {
		for _, p := range mergedPayments(t.repo.payments, t.payments) {
			if p.ID != payment.ID && p.ExternalTransactionID == payment.ExternalTransactionID {
				return ErrDuplicateTransaction
			}
		}
	}

	now := t.repo.now().UTC()
	if existing, ok := t.payments[payment.ID]; ok {
		payment.CreatedAt = existing.CreatedAt
	} else if existing, ok := t.repo.payments[payment.ID]; ok {
		payment.CreatedAt = existing.CreatedAt
	} else {
		payment.CreatedAt = now
	}
	payment.UpdatedAt = now
	t.payments[payment.ID] = *payment
	return nil
}

func (t *memoryTx) SaveOrder(_ context.Context, order *domain.Order) error {
	stored, ok := t.order(order.ID)
	if !ok {
		return ErrOrderNotFound
	}
	order.UpdatedAt = t.repo.now().UTC()

	stored.State = order.State
	stored.Active = order.Active
	stored.UpdatedAt = order.UpdatedAt
	t.orders[order.ID] = stored
	return nil
}

func (t *memoryTx) AddOutboxEvent(_ context.Context, event *OutboxEvent) error {
	event.CreatedAt = t.repo.now().UTC()
	t.outbox = append(t.outbox, *event)
	return nil
}

func mergedPayments(base, staged map[string]domain.Payment) map[string]domain.Payment {
	merged := make(map[string]domain.Payment, len(base)+len(staged))
	for id, p := range base {
		merged[id] = p
	}
	for id, p := range staged {
		merged[id] = p
	}
	return merged
}

func sortedPayments(base, staged map[string]domain.Payment, orderID string) []domain.Payment {
	var payments []domain.Payment
	for _, p := range mergedPayments(base, staged) {
		if p.OrderID == orderID {
			payments = append(payments, p)
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
	return payments
}
