package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/reconciler-service/internal/domain"
	"github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/internal/service"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap"
)

type MockReader struct {
	mu        sync.Mutex
	Messages  []kafkaGo.Message
	Committed []int64
	FetchErr  error
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafkaGo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return kafkaGo.Message{}, m.FetchErr
	}
	if len(m.Messages) == 0 {
		return kafkaGo.Message{}, context.Canceled
	}
	msg := m.Messages[0]
	m.Messages = m.Messages[1:]
	return msg, nil
}

func (m *MockReader) CommitMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.Committed = append(m.Committed, msg.Offset)
	}
	return nil
}

func (m *MockReader) Close() error { return nil }

// FlakyStore fails the first Failures calls.
type FlakyStore struct {
	*repository.MemoryRepository
	Failures int
	Calls    int
}

func (s *FlakyStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	s.Calls++
	if s.Calls <= s.Failures {
		return errors.New("connection refused")
	}
	return s.MemoryRepository.CreateOrder(ctx, order)
}

func message(offset int64, value string) kafkaGo.Message {
	return kafkaGo.Message{Topic: DefaultTopic, Offset: offset, Value: []byte(value)}
}

func TestProcessMessage_ImportsOrder(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	reader := &MockReader{Messages: []kafkaGo.Message{message(7, `{
		"order_id": "order-1",
		"code": "A100",
		"customer_id": "cust-1",
		"channel_id": "web",
		"state": "ArrangingPayment",
		"total_amount": "49.90",
		"currency": "eur",
		"placed_at": "2024-06-01T09:00:00Z"
	}`)}}
	c := NewConsumer(repo, reader, zap.NewNop())

	c.processMessage(context.Background())

	order, ok := repo.Order("order-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateArrangingPayment, order.State)
	assert.True(t, order.Active)
	assert.Equal(t, "EUR", order.Currency)
	assert.True(t, decimal.RequireFromString("49.90").Equal(order.TotalAmount))
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), order.CreatedAt)
	assert.Equal(t, []int64{7}, reader.Committed)
}

func TestProcessMessage_DefaultsToAddingItems(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	reader := &MockReader{Messages: []kafkaGo.Message{message(1, `{"order_id":"order-2","code":"A101"}`)}}

	NewConsumer(repo, reader, zap.NewNop()).processMessage(context.Background())

	order, ok := repo.Order("order-2")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateAddingItems, order.State)
}

func TestProcessMessage_DuplicateIsCommitted(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	require.NoError(t, repo.CreateOrder(context.Background(), &domain.Order{
		ID: "order-1", Code: "A100", State: domain.OrderStatePaymentSettled,
	}))
	reader := &MockReader{Messages: []kafkaGo.Message{message(3, `{"order_id":"order-1","code":"A100","state":"AddingItems"}`)}}

	NewConsumer(repo, reader, zap.NewNop()).processMessage(context.Background())

	order, _ := repo.Order("order-1")
	assert.Equal(t, domain.OrderStatePaymentSettled, order.State, "redelivery never rewinds an order")
	assert.Equal(t, []int64{3}, reader.Committed)
}

func TestProcessMessage_CheckoutSnapshotAdvancesKnownOrder(t *testing.T) {
	repo := repository.NewMemoryRepository(time.Now)
	reader := &MockReader{Messages: []kafkaGo.Message{
		message(1, `{"order_id":"order-1","code":"A100","state":"AddingItems"}`),
		message(2, `{"order_id":"order-1","code":"A100","state":"ArrangingPayment"}`),
	}}
	c := NewConsumer(repo, reader, zap.NewNop())

	c.processMessage(context.Background())
	c.processMessage(context.Background())

	order, ok := repo.Order("order-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStateArrangingPayment, order.State)
	assert.True(t, order.Active)
	assert.Equal(t, []int64{1, 2}, reader.Committed)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, service.EventOrderStateChanged, events[0].EventType)
	var change service.OrderStateChange
	require.NoError(t, json.Unmarshal(events[0].Payload, &change))
	assert.Equal(t, domain.OrderStateAddingItems, change.From)
	assert.Equal(t, domain.OrderStateArrangingPayment, change.To)
	assert.Equal(t, service.TriggerStorefront, change.Trigger)
}

func TestProcessMessage_SnapshotNeverMovesOtherEdges(t *testing.T) {
	tests := []struct {
		name     string
		stored   domain.OrderState
		snapshot domain.OrderState
	}{
		{"no rewind to cart", domain.OrderStateArrangingPayment, domain.OrderStateAddingItems},
		{"payment states belong to webhooks", domain.OrderStateArrangingPayment, domain.OrderStatePaymentAuthorized},
		{"settlement belongs to webhooks", domain.OrderStatePaymentAuthorized, domain.OrderStatePaymentSettled},
		{"cancellation belongs to the scanner", domain.OrderStateArrangingPayment, domain.OrderStateCancelled},
		{"same state", domain.OrderStateAddingItems, domain.OrderStateAddingItems},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryRepository(time.Now)
			require.NoError(t, repo.CreateOrder(context.Background(), &domain.Order{
				ID: "order-1", Code: "A100", State: tt.stored, Active: !tt.stored.IsTerminal(),
			}))
			value, err := json.Marshal(OrderPlacedEvent{OrderID: "order-1", Code: "A100", State: tt.snapshot})
			require.NoError(t, err)
			reader := &MockReader{Messages: []kafkaGo.Message{message(4, string(value))}}

			NewConsumer(repo, reader, zap.NewNop()).processMessage(context.Background())

			order, _ := repo.Order("order-1")
			assert.Equal(t, tt.stored, order.State)
			assert.Empty(t, repo.Events())
			assert.Equal(t, []int64{4}, reader.Committed)
		})
	}
}

func TestProcessMessage_MalformedEventsAreSkipped(t *testing.T) {
	tests := map[string]string{
		"not json":      `{"order_id":`,
		"missing code":  `{"order_id":"order-1"}`,
		"unknown state": `{"order_id":"order-1","code":"A100","state":"Shipped"}`,
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			repo := repository.NewMemoryRepository(time.Now)
			reader := &MockReader{Messages: []kafkaGo.Message{message(5, value)}}

			NewConsumer(repo, reader, zap.NewNop()).processMessage(context.Background())

			_, ok := repo.Order("order-1")
			assert.False(t, ok)
			assert.Equal(t, []int64{5}, reader.Committed)
		})
	}
}

func TestProcessMessage_RetriesStoreFailures(t *testing.T) {
	store := &FlakyStore{MemoryRepository: repository.NewMemoryRepository(time.Now), Failures: 2}
	reader := &MockReader{Messages: []kafkaGo.Message{message(9, `{"order_id":"order-1","code":"A100"}`)}}
	c := NewConsumer(store, reader, zap.NewNop())
	c.retryDelay = time.Millisecond

	c.processMessage(context.Background())

	assert.Equal(t, 3, store.Calls)
	_, ok := store.Order("order-1")
	assert.True(t, ok)
	assert.Equal(t, []int64{9}, reader.Committed)
}

func TestProcessMessage_StoreDownUntilShutdownIsNotCommitted(t *testing.T) {
	store := &FlakyStore{MemoryRepository: repository.NewMemoryRepository(time.Now), Failures: 1000}
	reader := &MockReader{Messages: []kafkaGo.Message{message(9, `{"order_id":"order-1","code":"A100"}`)}}
	c := NewConsumer(store, reader, zap.NewNop())
	c.retryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.processMessage(ctx)

	assert.Empty(t, reader.Committed)
}

func setupKafka(t *testing.T) (string, func()) {
	ctx := context.Background()

	kafkaContainer, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err)

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	}

	return brokers[0], cleanup
}

func TestConsumer_ImportsFromKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration test in short mode")
	}
	brokerAddr, cleanup := setupKafka(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	writer := &kafkaGo.Writer{
		Addr:                   kafkaGo.TCP(brokerAddr),
		Topic:                  DefaultTopic,
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()
	require.Eventually(t, func() bool {
		return writer.WriteMessages(ctx, kafkaGo.Message{
			Key:   []byte("order-42"),
			Value: []byte(`{"order_id":"order-42","code":"K42","state":"ArrangingPayment","total_amount":"10.00","currency":"USD"}`),
		}) == nil
	}, 20*time.Second, time.Second)

	repo := repository.NewMemoryRepository(time.Now)
	c := NewConsumer(repo, NewKafkaReader(DefaultTopic, "reconciler-test", brokerAddr), zap.NewNop())
	defer c.Close()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := repo.Order("order-42")
		return ok
	}, 20*time.Second, 200*time.Millisecond)
}
