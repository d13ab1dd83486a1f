package publisher

import (
	"context"
	"fmt"
	"time"

	r "github.com/fjod/go_cart/reconciler-service/internal/repository"
	"github.com/fjod/go_cart/reconciler-service/pkg/circuitbreaker"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultBatchSize = 100

// EventSource is the outbox side of the order store.
type EventSource interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*r.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type OutboxPoller struct {
	timeout   time.Duration
	eventTick time.Duration
	batchSize int
	repo      EventSource
	writer    MessageWriter
	breaker   *circuitbreaker.Breaker[struct{}]
	log       *zap.Logger
}

// NewKafkaWriter returns a writer without a fixed topic; every message names its own.
func NewKafkaWriter(brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
}

func NewOutboxPoller(repo EventSource, writer MessageWriter, eventTick time.Duration, log *zap.Logger) *OutboxPoller {
	if eventTick <= 0 {
		eventTick = time.Second
	}
	return &OutboxPoller{
		timeout:   time.Second * 5,
		eventTick: eventTick,
		batchSize: defaultBatchSize,
		repo:      repo,
		writer:    writer,
		breaker:   circuitbreaker.New[struct{}](circuitbreaker.DefaultSettings("outbox-kafka"), log),
		log:       log,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.eventTick)
	defer eventTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents publishes one batch and returns how many events were
// published and marked.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.batchSize)
	if err != nil {
		p.log.Error("failed to fetch outbox events", zap.Error(err))
		return 0
	}

	published := 0
	for _, event := range events {
		_, errPublish := p.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, p.publishToKafka(ctx, event)
		})
		if circuitbreaker.IsOpen(errPublish) {
			p.log.Warn("kafka circuit open, postponing outbox batch", zap.Int("remaining", len(events)-published))
			return published
		}
		if errPublish != nil {
			p.log.Error("failed to publish outbox event", zap.Int64("event_id", event.ID), zap.Error(errPublish))
			continue
		}

		if errMark := p.repo.MarkEventAsProcessed(ctx, event.ID); errMark != nil {
			p.log.Error("failed to mark outbox event as processed", zap.Int64("event_id", event.ID), zap.Error(errMark))
			continue
		}
		published++
	}
	return published
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	if event.Topic == "" {
		return fmt.Errorf("outbox event %d has no topic", event.ID)
	}
	msg := kafka.Message{
		Topic: event.Topic,
		Key:   []byte(event.AggregateID), // order id keeps per-order ordering
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(fmt.Sprintf("%d", event.ID))},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, msg)
}
