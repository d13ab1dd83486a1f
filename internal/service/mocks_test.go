package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// MockStore wraps the in-memory store and injects failures.
type MockStore struct {
	*repository.MemoryRepository
	InTxErr       error
	FindOrdersErr error
	InTxCallCount int
}

func (m *MockStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.OrderTx) error) error {
	m.InTxCallCount++
	if m.InTxErr != nil {
		return m.InTxErr
	}
	return m.MemoryRepository.InTx(ctx, fn)
}

func (m *MockStore) FindOrdersInState(ctx context.Context, state domain.OrderState, olderThan time.Time, limit int) ([]domain.Order, error) {
	if m.FindOrdersErr != nil {
		return nil, m.FindOrdersErr
	}
	return m.MemoryRepository.FindOrdersInState(ctx, state, olderThan, limit)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo  *repository.MemoryRepository
	clock *testClock
	log   *zap.Logger
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zapcore.DebugLevel)
	return &fixture{
		repo:  repository.NewMemoryRepository(clock.Now),
		clock: clock,
		log:   zap.New(core),
		logs:  logs,
	}
}

func (f *fixture) reconciler(store repository.OrderStore) *Reconciler {
	r := NewReconciler(store, f.log)
	r.now = f.clock.Now
	return r
}

func (f *fixture) scanner(store repository.OrderStore, policy ScanPolicy) *Scanner {
	s := NewScanner(store, policy, f.log)
	s.now = f.clock.Now
	return s
}

func (f *fixture) override(store repository.OrderStore) *Override {
	o := NewOverride(store, f.log)
	o.now = f.clock.Now
	return o
}

// seed stores an order last touched age ago.
func (f *fixture) seed(t *testing.T, id string, state domain.OrderState, age time.Duration, payments ...domain.Payment) {
	t.Helper()
	touched := f.clock.Now().Add(-age)
	for i := range payments {
		payments[i].CreatedAt = touched.Add(time.Duration(i) * time.Second)
		payments[i].UpdatedAt = payments[i].CreatedAt
	}
	order := &domain.Order{
		ID:          id,
		Code:        "CODE-" + id,
		State:       state,
		Active:      !state.IsTerminal(),
		CustomerID:  "customer-" + id,
		ChannelID:   "web",
		TotalAmount: decimal.RequireFromString("42.00"),
		Currency:    "USD",
		CreatedAt:   touched,
		UpdatedAt:   touched,
		Payments:    payments,
	}
	require.NoError(t, f.repo.CreateOrder(context.Background(), order))
}

func (f *fixture) order(t *testing.T, id string) domain.Order {
	t.Helper()
	order, ok := f.repo.Order(id)
	require.True(t, ok, "order %s not found", id)
	return order
}

func (f *fixture) eventsOfType(eventType string) []repository.OutboxEvent {
	var out []repository.OutboxEvent
	for _, e := range f.repo.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newPayment(id, txn string, state domain.PaymentState) domain.Payment {
	return domain.Payment{
		ID:                    id,
		State:                 state,
		ExternalTransactionID: txn,
		Amount:                decimal.RequireFromString("42.00"),
		Currency:              "USD",
	}
}
